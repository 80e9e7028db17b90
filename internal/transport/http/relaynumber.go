package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"maskrelay/agent/internal/relaynumber"
)

// RelayNumberHandler 中继号码注册流程的本地接口
type RelayNumberHandler struct {
	flow *relaynumber.Flow
}

// NewRelayNumberHandler 创建中继号码处理器
func NewRelayNumberHandler(flow *relaynumber.Flow) *RelayNumberHandler {
	return &RelayNumberHandler{flow: flow}
}

// getState 返回当前注册流程快照
func (h *RelayNumberHandler) getState(c *gin.Context) {
	Success(c, h.flow.Snapshot())
}

// loadSuggestions 拉取候选号码建议
func (h *RelayNumberHandler) loadSuggestions(c *gin.Context) {
	snap, err := h.flow.LoadSuggestions(c.Request.Context())
	if err != nil {
		BadGateway(c, MsgUpstreamFailed)
		return
	}
	Success(c, snap)
}

// moreOptions 翻到下一组候选号码
func (h *RelayNumberHandler) moreOptions(c *gin.Context) {
	Success(c, h.flow.MoreOptions())
}

type searchRequest struct {
	Query string `json:"query"`
}

// search 按区号或地名搜索候选号码
func (h *RelayNumberHandler) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	snap, err := h.flow.Search(c.Request.Context(), req.Query)
	if err != nil {
		BadGateway(c, MsgUpstreamFailed)
		return
	}
	Success(c, snap)
}

type selectRequest struct {
	Number string `json:"number" binding:"required"`
}

// selectNumber 选中当前可见窗口内的一个号码
func (h *RelayNumberHandler) selectNumber(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	snap, err := h.flow.Select(req.Number)
	if err != nil {
		if errors.Is(err, relaynumber.ErrNotSelectable) {
			UnprocessableEntity(c, GetErrorMessage(err))
			return
		}
		BadRequest(c, err.Error())
		return
	}
	Success(c, snap)
}

// submit 携带选中号码进入确认状态
func (h *RelayNumberHandler) submit(c *gin.Context) {
	snap, err := h.flow.Submit()
	if err != nil {
		if errors.Is(err, relaynumber.ErrNoSelection) {
			UnprocessableEntity(c, GetErrorMessage(err))
			return
		}
		Conflict(c, err.Error())
		return
	}
	Success(c, snap)
}

// cancel 退出确认状态，保留已选号码
func (h *RelayNumberHandler) cancel(c *gin.Context) {
	Success(c, h.flow.Cancel())
}

// confirm 向上游发起注册。失败进入 registration_failed 状态，
// 本地接口仍返回快照供界面展示。
func (h *RelayNumberHandler) confirm(c *gin.Context) {
	snap, err := h.flow.Confirm(c.Request.Context())
	if err != nil {
		Conflict(c, err.Error())
		return
	}
	Success(c, snap)
}

// retry 从注册失败状态回到选号状态，候选列表保留
func (h *RelayNumberHandler) retry(c *gin.Context) {
	Success(c, h.flow.Retry())
}
