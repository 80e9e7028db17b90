package httptransport

import (
	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/masks"
	"maskrelay/agent/internal/relaynumber"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	masks.ErrUntaggedMask:        "掩码缺少变体标记，无法定位集合",
	relaynumber.ErrNoSelection:   "请先选择一个号码",
	relaynumber.ErrNotSelectable: "号码不在当前可选范围内",
	cache.ErrUnknownKey:          "未知的资源",
	api.ErrTokenExpired:          "上游令牌已过期，请更新配置",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgUpstreamFailed = "上游服务请求失败"
	MsgMaskNotFound   = "掩码不存在"
	MsgMaskListFailed = "获取掩码列表失败"
	MsgProfileFailed  = "获取账户档案失败"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
