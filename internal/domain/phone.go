package domain

import (
	"sort"
	"time"
)

// RealPhone 表示用户登记的真实手机号。
//
// verified 在服务端是三态的：true / false / 缺失，因此建模为 *bool。
// 只有已验证的记录才有非空的 VerifiedDate。
type RealPhone struct {
	ID                   int64      `json:"id"`
	Number               string     `json:"number"` // E.164 形式
	VerificationCode     string     `json:"verification_code,omitempty"`
	VerificationSentDate *time.Time `json:"verification_sent_date"`
	VerifiedDate         *time.Time `json:"verified_date"`
	Verified             *bool      `json:"verified"`
}

// IsVerified 判断手机号是否已通过验证。
func (p RealPhone) IsVerified() bool {
	return p.Verified != nil && *p.Verified
}

// IsVerificationPending 判断手机号是否仍处于待验证窗口内。
//
// 条件：未验证，且验证码发送时间距 now 不超过 window（边界含）。
// 超出窗口后只能判定为未验证，无法再区分出"待验证"。
func IsVerificationPending(p RealPhone, now time.Time, window time.Duration) bool {
	if p.IsVerified() || p.VerificationSentDate == nil {
		return false
	}
	elapsed := now.Sub(*p.VerificationSentDate)
	return elapsed >= 0 && elapsed <= window
}

// CurrentPendingPhone 从记录集中选出当前应继续验证的手机号。
//
// 按发送时间升序排序后取最后一个（发送时间相同则保持提交顺序），
// 没有待验证记录时返回 nil。
func CurrentPendingPhone(phones []RealPhone, now time.Time, window time.Duration) *RealPhone {
	pending := make([]RealPhone, 0, len(phones))
	for _, p := range phones {
		if IsVerificationPending(p, now, window) {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].VerificationSentDate.Before(*pending[j].VerificationSentDate)
	})
	last := pending[len(pending)-1]
	return &last
}

// RelayNumber 表示账户的中继号码，每个账户最多一个。
type RelayNumber struct {
	ID       int64  `json:"id"`
	Number   string `json:"number"`
	Location string `json:"location,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// RelayNumberSuggestions 服务端返回的候选号码，按推荐层级分组。
type RelayNumberSuggestions struct {
	SameAreaOptions   []RelayNumber `json:"same_area_options"`
	OtherAreasOptions []RelayNumber `json:"other_areas_options"`
	SamePrefixOptions []RelayNumber `json:"same_prefix_options"`
	RandomOptions     []RelayNumber `json:"random_options"`
}

// Flatten 按层级优先顺序拼接出有序候选列表。
//
// 不做去重：跨层级的重复项原样保留，避免重复报价是服务端的责任。
func (s RelayNumberSuggestions) Flatten() []RelayNumber {
	out := make([]RelayNumber, 0,
		len(s.SameAreaOptions)+len(s.OtherAreasOptions)+len(s.SamePrefixOptions)+len(s.RandomOptions))
	out = append(out, s.SameAreaOptions...)
	out = append(out, s.OtherAreasOptions...)
	out = append(out, s.SamePrefixOptions...)
	out = append(out, s.RandomOptions...)
	return out
}
