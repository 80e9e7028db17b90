package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"maskrelay/agent/internal/domain"
	"maskrelay/agent/internal/masks"
	"maskrelay/agent/internal/monitoring"
)

// MaskHandler 掩码相关的本地接口
type MaskHandler struct {
	repo    *masks.Repository
	names   domain.DomainNames
	metrics *monitoring.Metrics
}

// NewMaskHandler 创建掩码处理器。metrics 可为 nil。
func NewMaskHandler(repo *masks.Repository, names domain.DomainNames, metrics *monitoring.Metrics) *MaskHandler {
	return &MaskHandler{repo: repo, names: names, metrics: metrics}
}

type maskResponse struct {
	domain.Mask
	FullAddress string `json:"full_address"`
}

type maskListResponse struct {
	Items []maskResponse `json:"items"`
	Count int            `json:"count"`
}

// listMasks 列出掩码，支持文本、变体、状态三类过滤条件的合取。
func (h *MaskHandler) listMasks(c *gin.Context) {
	all, err := h.repo.Masks(c.Request.Context())
	if err != nil {
		InternalError(c, MsgMaskListFailed)
		return
	}

	profile, err := h.repo.Profile(c.Request.Context())
	if err != nil {
		InternalError(c, MsgProfileFailed)
		return
	}
	var subdomain *string
	if profile != nil {
		subdomain = profile.Subdomain
	}

	filter := domain.Filter{Text: c.Query("search")}
	if v := c.Query("domain"); v != "" {
		filter.Domain = domain.DomainFilter(v)
	}
	if v := c.Query("status"); v != "" {
		filter.Status = domain.StatusFilter(v)
	}

	filtered := domain.FilterMasks(all, filter, subdomain, h.names)

	items := make([]maskResponse, 0, len(filtered))
	for _, m := range filtered {
		items = append(items, maskResponse{
			Mask:        m,
			FullAddress: domain.FullAddress(m, subdomain, h.names),
		})
	}

	Success(c, maskListResponse{Items: items, Count: len(items)})
}

type createMaskRequest struct {
	MaskType          string `json:"mask_type" binding:"required"`
	Address           string `json:"address"`
	BlockPromotionals bool   `json:"block_promotionals"`
}

// createMask 创建掩码。随机与自定义掩码走不同的上游集合。
func (h *MaskHandler) createMask(c *gin.Context) {
	var req createMaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	switch domain.MaskType(req.MaskType) {
	case domain.MaskTypeRandom:
		resp, err := h.repo.CreateRandom(c.Request.Context())
		if err != nil {
			BadGateway(c, MsgUpstreamFailed)
			return
		}
		if !resp.Ok() {
			UpstreamStatus(c, resp.StatusCode, resp.Body)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordMaskCreated(string(domain.MaskTypeRandom))
		}
		Created(c, nil)

	case domain.MaskTypeCustom:
		if req.Address == "" {
			BadRequest(c, "自定义掩码需要提供地址")
			return
		}
		resp, err := h.repo.CreateCustom(c.Request.Context(), req.Address, req.BlockPromotionals)
		if err != nil {
			BadGateway(c, MsgUpstreamFailed)
			return
		}
		if !resp.Ok() {
			UpstreamStatus(c, resp.StatusCode, resp.Body)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordMaskCreated(string(domain.MaskTypeCustom))
		}
		Created(c, nil)

	default:
		BadRequest(c, "mask_type 必须为 random 或 custom")
	}
}

type updateMaskRequest struct {
	Enabled               *bool   `json:"enabled"`
	Description           *string `json:"description"`
	BlockListEmails       *bool   `json:"block_list_emails"`
	BlockLevelOneTrackers *bool   `json:"block_level_one_trackers"`
}

// updateMask 更新掩码。目标集合完全由缓存中该掩码的变体标记决定。
func (h *MaskHandler) updateMask(c *gin.Context) {
	mask, ok := h.lookupMask(c)
	if !ok {
		return
	}

	var req updateMaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	resp, err := h.repo.Update(c.Request.Context(), mask, masks.MaskUpdate{
		Enabled:               req.Enabled,
		Description:           req.Description,
		BlockListEmails:       req.BlockListEmails,
		BlockLevelOneTrackers: req.BlockLevelOneTrackers,
	})
	if err != nil {
		if errors.Is(err, masks.ErrUntaggedMask) {
			UnprocessableEntity(c, GetErrorMessage(err))
			return
		}
		BadGateway(c, MsgUpstreamFailed)
		return
	}
	if !resp.Ok() {
		UpstreamStatus(c, resp.StatusCode, resp.Body)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordMaskUpdated(string(mask.Type))
	}
	Success(c, nil)
}

// deleteMask 删除掩码
func (h *MaskHandler) deleteMask(c *gin.Context) {
	mask, ok := h.lookupMask(c)
	if !ok {
		return
	}

	resp, err := h.repo.Delete(c.Request.Context(), mask)
	if err != nil {
		if errors.Is(err, masks.ErrUntaggedMask) {
			UnprocessableEntity(c, GetErrorMessage(err))
			return
		}
		BadGateway(c, MsgUpstreamFailed)
		return
	}
	if !resp.Ok() {
		UpstreamStatus(c, resp.StatusCode, resp.Body)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordMaskDeleted(string(mask.Type))
	}
	NoContent(c)
}

// getProfile 返回账户档案
func (h *MaskHandler) getProfile(c *gin.Context) {
	profile, err := h.repo.Profile(c.Request.Context())
	if err != nil {
		InternalError(c, MsgProfileFailed)
		return
	}
	if profile == nil {
		NotFound(c, "账户档案不存在")
		return
	}
	Success(c, profile)
}

// lookupMask 按路径 ID 在缓存的两个集合中定位掩码。
// 变体标记在抓取边界已经打好，这里不做任何推断。
//
// 两个集合的 ID 序列彼此独立，数字可能撞号；带上 mask_type
// 查询参数即可按 (变体, ID) 精确定位，不带时取合并列表中的首个。
func (h *MaskHandler) lookupMask(c *gin.Context) (domain.Mask, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return domain.Mask{}, false
	}

	want := domain.MaskType(c.Query("mask_type"))
	switch want {
	case "", domain.MaskTypeRandom, domain.MaskTypeCustom:
	default:
		BadRequest(c, "mask_type 必须为 random 或 custom")
		return domain.Mask{}, false
	}

	all, err := h.repo.Masks(c.Request.Context())
	if err != nil {
		InternalError(c, MsgMaskListFailed)
		return domain.Mask{}, false
	}

	for _, m := range all {
		if m.ID == id && (want == "" || m.Type == want) {
			return m, true
		}
	}
	NotFound(c, MsgMaskNotFound)
	return domain.Mask{}, false
}
