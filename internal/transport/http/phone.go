package httptransport

import (
	"github.com/gin-gonic/gin"

	"maskrelay/agent/internal/phone"
)

// PhoneHandler 手机号验证流程的本地接口
type PhoneHandler struct {
	flow *phone.Flow
}

// NewPhoneHandler 创建手机号验证处理器
func NewPhoneHandler(flow *phone.Flow) *PhoneHandler {
	return &PhoneHandler{flow: flow}
}

// getState 返回当前验证流程快照
func (h *PhoneHandler) getState(c *gin.Context) {
	Success(c, h.flow.Snapshot())
}

type submitNumberRequest struct {
	Number string `json:"number" binding:"required"`
}

// submitNumber 提交待验证的手机号。
// 上游拒绝时状态机留在原地并携带内联错误，本地接口仍返回 200。
func (h *PhoneHandler) submitNumber(c *gin.Context) {
	var req submitNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	snap, err := h.flow.SubmitNumber(c.Request.Context(), req.Number)
	if err != nil {
		BadGateway(c, MsgUpstreamFailed)
		return
	}
	Success(c, snap)
}

type submitCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// submitCode 提交验证码
func (h *PhoneHandler) submitCode(c *gin.Context) {
	var req submitCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	snap, err := h.flow.SubmitCode(c.Request.Context(), req.Code)
	if err != nil {
		Conflict(c, err.Error())
		return
	}
	Success(c, snap)
}

// resend 重新发送验证码
func (h *PhoneHandler) resend(c *gin.Context) {
	snap, err := h.flow.Resend(c.Request.Context())
	if err != nil {
		Conflict(c, err.Error())
		return
	}
	Success(c, snap)
}

// goBack 放弃当前号码，回到输入状态
func (h *PhoneHandler) goBack(c *gin.Context) {
	Success(c, h.flow.GoBack())
}
