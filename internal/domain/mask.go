package domain

import (
	"time"
)

// MaskType 标记掩码来自哪个集合。
//
// 服务端载荷中不存在该字段：它只能在抓取边界由 MarkRandom / MarkCustom
// 附加一次，之后的所有客户端变换（过滤、更新、重新投递）都必须原样保留，
// 绝不允许事后根据域名或地址形状反推。
type MaskType string

const (
	// MaskTypeRandom 随机掩码，来自 /relayaddresses/ 集合。
	MaskTypeRandom MaskType = "random"
	// MaskTypeCustom 自定义掩码，来自 /domainaddresses/ 集合。
	MaskTypeCustom MaskType = "custom"
)

// MaskDomain 服务端的投递域指示枚举。
type MaskDomain int

const (
	// MaskDomainRelay 服务自有域（随机掩码固定使用）。
	MaskDomainRelay MaskDomain = 1
	// MaskDomainMozmail 用户子域所在的域（自定义掩码固定使用）。
	MaskDomainMozmail MaskDomain = 2
)

// Mask 表示一个一次性转发地址的业务实体。
type Mask struct {
	Type MaskType `json:"mask_type,omitempty"` // 客户端附加的变体标记，服务端不下发

	ID          int64      `json:"id"`
	Address     string     `json:"address"` // 本地部分（@ 之前）
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description"`
	Domain      MaskDomain `json:"domain"`

	// GeneratedFor 创建该掩码时所在的站点，可能为空；仅随机掩码携带。
	GeneratedFor string `json:"generated_for,omitempty"`

	BlockListEmails       bool  `json:"block_list_emails"` // 拦截推广邮件
	BlockLevelOneTrackers *bool `json:"block_level_one_trackers"`

	CreatedAt      *time.Time `json:"created_at"`
	LastModifiedAt *time.Time `json:"last_modified_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`

	NumForwarded               int `json:"num_forwarded"`
	NumBlocked                 int `json:"num_blocked"`
	NumSpam                    int `json:"num_spam"`
	NumReplied                 int `json:"num_replied"`
	NumLevelOneTrackersBlocked int `json:"num_level_one_trackers_blocked"`
}

// MarkRandom 为随机集合返回的记录附加变体标记。幂等：重复标记是空操作。
func MarkRandom(m Mask) Mask {
	m.Type = MaskTypeRandom
	return m
}

// MarkCustom 为自定义集合返回的记录附加变体标记。幂等。
func MarkCustom(m Mask) Mask {
	m.Type = MaskTypeCustom
	return m
}

// IsRandomMask 判断掩码是否为随机变体。
//
// 这是全局唯一的变体判别入口，判断只看标记本身。
func IsRandomMask(m Mask) bool {
	return m.Type == MaskTypeRandom
}

// DomainNames 两个投递域的域名，由配置注入。
type DomainNames struct {
	Relay   string // 随机掩码所在域
	Mozmail string // 自定义掩码（含用户子域）所在域
}

// FullAddress 计算掩码的完整可展示地址。
//
// 自定义掩码在已知子域时得到 <address>@<subdomain>.<mozmail域>；
// 随机掩码得到 <address>@<relay域>；投递域指示无法识别或子域缺失时
// 退化为 <address>@<mozmail域>，绝不失败。
func FullAddress(m Mask, subdomain *string, names DomainNames) string {
	switch m.Domain {
	case MaskDomainRelay:
		return m.Address + "@" + names.Relay
	case MaskDomainMozmail:
		if subdomain != nil && *subdomain != "" {
			return m.Address + "@" + *subdomain + "." + names.Mozmail
		}
		return m.Address + "@" + names.Mozmail
	default:
		return m.Address + "@" + names.Mozmail
	}
}

// BlocksLevelOneTrackers 判断掩码是否拦截一级追踪器。
//
// 掩码自身的设置是三态的：显式 true / 显式 false / 未设置（nil）。
// 未设置时回退到档案级默认值，这是有意的设计而非载荷兜底。
func BlocksLevelOneTrackers(m Mask, profile *Profile) bool {
	if m.BlockLevelOneTrackers != nil {
		return *m.BlockLevelOneTrackers
	}
	if profile != nil {
		return profile.RemoveLevelOneTrackers
	}
	return false
}
