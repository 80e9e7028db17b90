package masks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/domain"
)

// 资源键，同时也是上游集合路径。
const (
	KeyRandomMasks = "/relayaddresses/"
	KeyCustomMasks = "/domainaddresses/"
	KeyProfiles    = "/profiles/"
)

// ErrUntaggedMask 更新或删除了没有变体标记的掩码。
var ErrUntaggedMask = errors.New("mask has no variant tag")

// MaskUpdate 掩码的可更新字段，nil 字段不出现在请求体中。
type MaskUpdate struct {
	Enabled               *bool   `json:"enabled,omitempty"`
	Description           *string `json:"description,omitempty"`
	Address               *string `json:"address,omitempty"`
	BlockListEmails       *bool   `json:"block_list_emails,omitempty"`
	BlockLevelOneTrackers *bool   `json:"block_level_one_trackers,omitempty"`
	GeneratedFor          *string `json:"generated_for,omitempty"`
	UsedOn                *string `json:"used_on,omitempty"`
}

// Repository 掩码集合的同步仓库。
//
// 服务端对随机掩码和自定义掩码暴露两个独立集合，且响应中不携带
// 变体字段。仓库在抓取边界为每条记录打上变体标记，之后所有写
// 操作只凭该标记路由到正确的集合。
//
// 变更采用“发出后重新验证”：写请求成功返回后同步重抓来源集合，
// 不做乐观更新，也不重试。
type Repository struct {
	client *api.Client
	store  *cache.Store
	log    *zap.Logger
}

// NewRepository 创建仓库并注册三个资源键。
func NewRepository(client *api.Client, store *cache.Store, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Repository{client: client, store: store, log: log}

	store.Register(KeyRandomMasks, r.fetchRandom, cache.DecodeJSON[[]domain.Mask]())
	store.Register(KeyCustomMasks, r.fetchCustom, cache.DecodeJSON[[]domain.Mask]())
	store.Register(KeyProfiles, r.fetchProfiles, cache.DecodeJSON[[]domain.Profile]())
	return r
}

// ========== 抓取 ==========

func (r *Repository) fetchRandom(ctx context.Context) (any, error) {
	return r.fetchCollection(ctx, KeyRandomMasks, domain.MarkRandom)
}

func (r *Repository) fetchCustom(ctx context.Context) (any, error) {
	return r.fetchCollection(ctx, KeyCustomMasks, domain.MarkCustom)
}

func (r *Repository) fetchCollection(ctx context.Context, path string, mark func(domain.Mask) domain.Mask) ([]domain.Mask, error) {
	resp, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: upstream returned %d", path, resp.StatusCode)
	}

	var masks []domain.Mask
	if err := resp.JSON(&masks); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	for i := range masks {
		masks[i] = mark(masks[i])
	}
	return masks, nil
}

func (r *Repository) fetchProfiles(ctx context.Context) (any, error) {
	resp, err := r.client.Get(ctx, KeyProfiles)
	if err != nil {
		return nil, err
	}
	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: upstream returned %d", KeyProfiles, resp.StatusCode)
	}

	var profiles []domain.Profile
	if err := resp.JSON(&profiles); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", KeyProfiles, err)
	}
	return profiles, nil
}

// Masks 返回两个集合合并后的掩码列表，随机掩码在前。
// 任一集合尚未加载成功时返回其错误。
func (r *Repository) Masks(ctx context.Context) ([]domain.Mask, error) {
	var random, custom []domain.Mask
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e, err := r.store.Load(gctx, KeyRandomMasks)
		if err != nil {
			return err
		}
		if e.Err != nil {
			return e.Err
		}
		if e.Data != nil {
			random = e.Data.([]domain.Mask)
		}
		return nil
	})
	g.Go(func() error {
		e, err := r.store.Load(gctx, KeyCustomMasks)
		if err != nil {
			return err
		}
		if e.Err != nil {
			return e.Err
		}
		if e.Data != nil {
			custom = e.Data.([]domain.Mask)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]domain.Mask, 0, len(random)+len(custom))
	merged = append(merged, random...)
	merged = append(merged, custom...)
	return merged, nil
}

// Profile 返回账户的第一份档案；集合为空时返回 nil。
func (r *Repository) Profile(ctx context.Context) (*domain.Profile, error) {
	e, err := r.store.Load(ctx, KeyProfiles)
	if err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	profiles, _ := e.Data.([]domain.Profile)
	if len(profiles) == 0 {
		return nil, nil
	}
	return &profiles[0], nil
}

// ========== 变更 ==========
//
// 所有变更都是"发出即重抓"：只要请求走完（拿到状态码，无论几百），
// 就同步重新验证来源集合；只有传输层错误跳过重抓。

// CreateRandom 创建一个随机掩码，完成后重新验证随机集合。
func (r *Repository) CreateRandom(ctx context.Context) (*api.Response, error) {
	resp, err := r.client.Post(ctx, KeyRandomMasks, map[string]any{"enabled": true})
	if err != nil {
		return nil, err
	}
	r.revalidate(ctx, KeyRandomMasks)
	return resp, nil
}

// CreateCustom 创建一个自定义掩码，完成后重新验证自定义集合。
func (r *Repository) CreateCustom(ctx context.Context, address string, blockPromotionals bool) (*api.Response, error) {
	resp, err := r.client.Post(ctx, KeyCustomMasks, map[string]any{
		"enabled":           true,
		"address":           address,
		"block_list_emails": blockPromotionals,
	})
	if err != nil {
		return nil, err
	}
	r.revalidate(ctx, KeyCustomMasks)
	return resp, nil
}

// Update 按掩码的变体标记 PATCH 对应集合中的记录。
func (r *Repository) Update(ctx context.Context, mask domain.Mask, update MaskUpdate) (*api.Response, error) {
	key, err := collectionFor(mask)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Patch(ctx, fmt.Sprintf("%s%d/", key, mask.ID), update)
	if err != nil {
		return nil, err
	}
	r.revalidate(ctx, key)
	return resp, nil
}

// Delete 按掩码的变体标记删除对应集合中的记录。
func (r *Repository) Delete(ctx context.Context, mask domain.Mask) (*api.Response, error) {
	key, err := collectionFor(mask)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Delete(ctx, fmt.Sprintf("%s%d/", key, mask.ID))
	if err != nil {
		return nil, err
	}
	r.revalidate(ctx, key)
	return resp, nil
}

// collectionFor 由变体标记决定写操作的目标集合。
// 标记是唯一的路由依据，地址形态等启发式判断在这里没有位置。
func collectionFor(mask domain.Mask) (string, error) {
	switch mask.Type {
	case domain.MaskTypeRandom:
		return KeyRandomMasks, nil
	case domain.MaskTypeCustom:
		return KeyCustomMasks, nil
	default:
		return "", ErrUntaggedMask
	}
}

// revalidate 同步重抓来源集合。只刷新发生变更的那个集合，
// 另一个集合保持原样。
func (r *Repository) revalidate(ctx context.Context, key string) {
	if _, err := r.store.Revalidate(ctx, key); err != nil {
		r.log.Warn("post-mutation revalidation failed", zap.String("key", key), zap.Error(err))
	}
}
