package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"maskrelay/agent/internal/pool"
)

// ErrUnknownKey 访问了未注册的资源键。
var ErrUnknownKey = errors.New("unknown resource key")

// Fetcher 资源的抓取函数，由各仓库在注册时提供。
type Fetcher func(ctx context.Context) (any, error)

// DecodeFunc 从镜像快照还原资源数据；为 nil 时该键不参与热启动。
type DecodeFunc func(data []byte) (any, error)

// Entry 单个资源键的当前状态快照。
type Entry struct {
	Data         any
	Err          error
	IsLoading    bool // 首次加载尚未完成
	IsValidating bool // 正在重新验证
	UpdatedAt    time.Time
}

// Stale 判断条目是否超过给定 TTL。
func (e Entry) Stale(ttl time.Duration, now time.Time) bool {
	return e.UpdatedAt.IsZero() || now.Sub(e.UpdatedAt) > ttl
}

// Subscriber 资源更新通知的接收方（WebSocket Hub 实现）。
type Subscriber interface {
	NotifyResourceUpdated(key string, entry Entry)
}

// Mirror 条目快照的外部镜像，用于重启后的热启动。
type Mirror interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// RevalidationObserver 每次重新验证完成后被调用（指标层实现）。
type RevalidationObserver interface {
	RecordRevalidation(key string, err error)
}

// AgeObserver 是 RevalidationObserver 的可选扩展：后台刷新循环
// 每轮上报各键距上次成功刷新的时长。
type AgeObserver interface {
	ObserveResourceAge(key string, age time.Duration)
}

// Store 按资源键组织的可重新验证缓存。
//
// 每个键独立：对一个键的重新验证绝不触碰其他键。
// 对同一个键的并发重新验证通过 singleflight 合并为一次抓取。
//
// 同一资源上连续两次快速变更之间没有强制排序：最后完成的那次
// 重新验证决定可见状态。这里有意不做按资源的互斥串行化，
// 最终状态总会在下一次成功的重新验证后收敛到服务端事实。
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	fetchers map[string]Fetcher
	decoders map[string]DecodeFunc

	group    singleflight.Group
	ttl      time.Duration
	subs     []Subscriber
	mirror   Mirror
	pool     *pool.WorkerPool
	observer RevalidationObserver
	log      *zap.Logger
}

// Option Store 的可选配置。
type Option func(*Store)

// WithMirror 启用条目快照镜像。
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithPool 使用协程池执行后台重新验证。
func WithPool(p *pool.WorkerPool) Option {
	return func(s *Store) { s.pool = p }
}

// WithObserver 启用重新验证的指标观测。
func WithObserver(o RevalidationObserver) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore 创建缓存。ttl 为条目的保鲜期。
func NewStore(ttl time.Duration, log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		entries:  make(map[string]*Entry),
		fetchers: make(map[string]Fetcher),
		decoders: make(map[string]DecodeFunc),
		ttl:      ttl,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe 注册资源更新的订阅方。
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Register 注册一个资源键及其抓取函数。
//
// 若配置了镜像且提供了 decode，会尝试用上一次的快照预填条目；
// 预填数据视为过期，首次 Load 时立即触发重新验证。
func (s *Store) Register(key string, fetch Fetcher, decode DecodeFunc) {
	s.mu.Lock()
	s.fetchers[key] = fetch
	s.decoders[key] = decode
	s.entries[key] = &Entry{IsLoading: true}
	s.mu.Unlock()

	if s.mirror == nil || decode == nil {
		return
	}

	raw, err := s.mirror.Load(context.Background(), key)
	if err != nil || len(raw) == 0 {
		return
	}
	data, err := decode(raw)
	if err != nil {
		s.log.Warn("discarding unreadable mirror snapshot", zap.String("key", key), zap.Error(err))
		return
	}

	s.mu.Lock()
	// UpdatedAt 保持零值：热启动数据立即算过期
	s.entries[key] = &Entry{Data: data}
	s.mu.Unlock()
	s.log.Info("warm-started resource from mirror", zap.String("key", key))
}

// Snapshot 返回条目的当前状态，不触发任何抓取。
func (s *Store) Snapshot(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Load 返回条目状态；从未加载过的键会同步完成首次抓取，
// 已加载但过期的键在后台触发重新验证并立即返回当前快照。
func (s *Store) Load(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		return Entry{}, ErrUnknownKey
	}
	snapshot := *e
	s.mu.RUnlock()

	if snapshot.IsLoading && snapshot.Data == nil && snapshot.Err == nil {
		return s.Revalidate(ctx, key)
	}

	if snapshot.Stale(s.ttl, time.Now()) && !snapshot.IsValidating {
		s.revalidateAsync(key)
	}
	return snapshot, nil
}

// Revalidate 强制重抓指定键并返回更新后的条目。
//
// 并发调用被合并：同一时刻每个键至多一次在途抓取。
func (s *Store) Revalidate(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	fetch, ok := s.fetchers[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrUnknownKey
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		s.setValidating(key, true)

		data, fetchErr := fetch(ctx)

		s.mu.Lock()
		e := s.entries[key]
		e.IsLoading = false
		e.IsValidating = false
		e.UpdatedAt = time.Now()
		if fetchErr != nil {
			e.Err = fetchErr
		} else {
			e.Data = data
			e.Err = nil
		}
		snapshot := *e
		s.mu.Unlock()

		s.notify(key, snapshot)
		if s.observer != nil {
			s.observer.RecordRevalidation(key, fetchErr)
		}
		if fetchErr == nil {
			s.saveMirror(key, data)
		}
		return snapshot, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result.(Entry), nil
}

// Run 启动过期条目的后台刷新循环，随 ctx 结束。
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("cache refresh loop stopped")
			return
		case <-ticker.C:
			s.refreshStale()
		}
	}
}

func (s *Store) refreshStale() {
	now := time.Now()

	s.mu.RLock()
	stale := make([]string, 0, len(s.entries))
	ages := make(map[string]time.Duration, len(s.entries))
	for key, e := range s.entries {
		if !e.UpdatedAt.IsZero() {
			ages[key] = now.Sub(e.UpdatedAt)
		}
		if e.IsLoading || e.IsValidating {
			continue
		}
		if e.Stale(s.ttl, now) {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	if ao, ok := s.observer.(AgeObserver); ok {
		for key, age := range ages {
			ao.ObserveResourceAge(key, age)
		}
	}

	for _, key := range stale {
		s.revalidateAsync(key)
	}
}

func (s *Store) revalidateAsync(key string) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Revalidate(ctx, key); err != nil {
			s.log.Warn("background revalidation failed", zap.String("key", key), zap.Error(err))
		}
	}

	if s.pool != nil {
		if !s.pool.TrySubmit(task) {
			s.log.Warn("revalidation queue full, skipping", zap.String("key", key))
		}
		return
	}
	go task()
}

func (s *Store) setValidating(key string, v bool) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.IsValidating = v
	}
	s.mu.Unlock()
}

func (s *Store) notify(key string, e Entry) {
	s.mu.RLock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.NotifyResourceUpdated(key, e)
	}
}

func (s *Store) saveMirror(key string, data any) {
	if s.mirror == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("failed to encode mirror snapshot", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mirror.Save(ctx, key, raw); err != nil {
		s.log.Warn("failed to save mirror snapshot", zap.String("key", key), zap.Error(err))
	}
}

// DecodeJSON 返回一个把快照解码为 T 的 DecodeFunc。
func DecodeJSON[T any]() DecodeFunc {
	return func(raw []byte) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return v, nil
	}
}
