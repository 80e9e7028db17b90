package domain

import (
	"strings"
)

// DomainFilter 按变体过滤掩码，空值表示不过滤。
type DomainFilter string

const (
	DomainFilterRandom DomainFilter = "random"
	DomainFilterCustom DomainFilter = "custom"
)

// StatusFilter 按转发状态过滤掩码，空值表示不过滤。
type StatusFilter string

const (
	StatusFilterForwarding   StatusFilter = "forwarding"    // 启用中
	StatusFilterBlocking     StatusFilter = "blocking"      // 已停用
	StatusFilterPromoBlocked StatusFilter = "promo-blocking" // 启用且拦截推广邮件
)

// Filter 掩码列表的过滤条件。纯值对象，不持久化。
type Filter struct {
	Text   string
	Domain DomainFilter
	Status StatusFilter
}

// FilterMasks 返回同时满足所有激活条件的掩码（条件取交集）。
//
// 文本条件对完整地址和描述做大小写不敏感的子串匹配；
// 未设置的条件直接视为匹配，因此三个谓词的求值顺序无关紧要。
// 结果保持输入顺序，是输入的子集。
func FilterMasks(masks []Mask, f Filter, subdomain *string, names DomainNames) []Mask {
	text := strings.ToLower(strings.TrimSpace(f.Text))

	out := make([]Mask, 0, len(masks))
	for _, m := range masks {
		if !matchesText(m, text, subdomain, names) {
			continue
		}
		if !matchesDomain(m, f.Domain) {
			continue
		}
		if !matchesStatus(m, f.Status) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchesText(m Mask, text string, subdomain *string, names DomainNames) bool {
	if text == "" {
		return true
	}
	if strings.Contains(strings.ToLower(FullAddress(m, subdomain, names)), text) {
		return true
	}
	return strings.Contains(strings.ToLower(m.Description), text)
}

func matchesDomain(m Mask, d DomainFilter) bool {
	switch d {
	case DomainFilterRandom:
		return IsRandomMask(m)
	case DomainFilterCustom:
		return !IsRandomMask(m)
	default:
		return true
	}
}

func matchesStatus(m Mask, s StatusFilter) bool {
	switch s {
	case StatusFilterForwarding:
		return m.Enabled
	case StatusFilterBlocking:
		return !m.Enabled
	case StatusFilterPromoBlocked:
		return m.Enabled && m.BlockListEmails
	default:
		return true
	}
}
