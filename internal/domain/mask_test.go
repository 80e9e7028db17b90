package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testNames = DomainNames{
	Relay:   "relay.example.com",
	Mozmail: "mozmail.example.com",
}

func strptr(s string) *string { return &s }

func boolptr(b bool) *bool { return &b }

func TestMarkVariant(t *testing.T) {
	t.Run("标记后的变体在重复标记下保持不变", func(t *testing.T) {
		m := Mask{ID: 1, Address: "abc123", Domain: MaskDomainRelay}

		tagged := MarkRandom(m)
		assert.True(t, IsRandomMask(tagged))

		// 缓存可能重复投递已标记的数据，重复标记必须是空操作
		again := MarkRandom(tagged)
		assert.Equal(t, tagged, again)
	})

	t.Run("未标记的掩码不是随机变体", func(t *testing.T) {
		m := Mask{ID: 2, Address: "shop", Domain: MaskDomainMozmail}
		assert.False(t, IsRandomMask(m))

		tagged := MarkCustom(m)
		assert.False(t, IsRandomMask(tagged))
		assert.Equal(t, MaskTypeCustom, tagged.Type)
	})

	t.Run("标记不依赖投递域指示", func(t *testing.T) {
		// 变体只看抓取来源，即使域指示"看起来像"另一个变体
		m := MarkRandom(Mask{ID: 3, Address: "x", Domain: MaskDomainMozmail})
		assert.True(t, IsRandomMask(m))
	})
}

func TestFullAddress(t *testing.T) {
	t.Run("随机掩码使用服务自有域", func(t *testing.T) {
		m := MarkRandom(Mask{Address: "abc123", Domain: MaskDomainRelay})
		assert.Equal(t, "abc123@relay.example.com", FullAddress(m, nil, testNames))
	})

	t.Run("自定义掩码拼接用户子域", func(t *testing.T) {
		m := MarkCustom(Mask{Address: "shop", Domain: MaskDomainMozmail})
		got := FullAddress(m, strptr("alice"), testNames)
		assert.Equal(t, "shop@alice.mozmail.example.com", got)
	})

	t.Run("子域缺失时退化为基础域", func(t *testing.T) {
		m := MarkCustom(Mask{Address: "shop", Domain: MaskDomainMozmail})
		assert.Equal(t, "shop@mozmail.example.com", FullAddress(m, nil, testNames))
		assert.Equal(t, "shop@mozmail.example.com", FullAddress(m, strptr(""), testNames))
	})

	t.Run("无法识别的域指示退化为基础域", func(t *testing.T) {
		m := Mask{Address: "weird", Domain: MaskDomain(9)}
		assert.Equal(t, "weird@mozmail.example.com", FullAddress(m, nil, testNames))
	})

	t.Run("相同输入得到相同输出", func(t *testing.T) {
		m := MarkCustom(Mask{Address: "shop", Domain: MaskDomainMozmail})
		sub := strptr("alice")
		assert.Equal(t, FullAddress(m, sub, testNames), FullAddress(m, sub, testNames))
	})
}

func TestBlocksLevelOneTrackers(t *testing.T) {
	profile := &Profile{RemoveLevelOneTrackers: true}

	t.Run("掩码自身的布尔值优先", func(t *testing.T) {
		m := Mask{BlockLevelOneTrackers: boolptr(false)}
		assert.False(t, BlocksLevelOneTrackers(m, profile))

		m.BlockLevelOneTrackers = boolptr(true)
		assert.True(t, BlocksLevelOneTrackers(m, nil))
	})

	t.Run("未设置时回退到档案默认值", func(t *testing.T) {
		m := Mask{}
		assert.True(t, BlocksLevelOneTrackers(m, profile))
		assert.False(t, BlocksLevelOneTrackers(m, &Profile{}))
		assert.False(t, BlocksLevelOneTrackers(m, nil))
	})
}

func TestFilterMasks(t *testing.T) {
	masks := []Mask{
		MarkRandom(Mask{ID: 1, Address: "abc123", Domain: MaskDomainRelay, Enabled: true, Description: "newsletter"}),
		MarkRandom(Mask{ID: 2, Address: "xyz789", Domain: MaskDomainRelay, Enabled: false}),
		MarkCustom(Mask{ID: 3, Address: "shop", Domain: MaskDomainMozmail, Enabled: true, BlockListEmails: true}),
		MarkCustom(Mask{ID: 4, Address: "bank", Domain: MaskDomainMozmail, Enabled: true, Description: "Savings Account"}),
	}
	sub := strptr("alice")

	t.Run("空条件返回全部", func(t *testing.T) {
		got := FilterMasks(masks, Filter{}, sub, testNames)
		assert.Equal(t, masks, got)
	})

	t.Run("文本匹配完整地址或描述且不区分大小写", func(t *testing.T) {
		got := FilterMasks(masks, Filter{Text: "SHOP"}, sub, testNames)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].ID)

		got = FilterMasks(masks, Filter{Text: "savings"}, sub, testNames)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(4), got[0].ID)
	})

	t.Run("变体条件按标记过滤", func(t *testing.T) {
		got := FilterMasks(masks, Filter{Domain: DomainFilterRandom}, sub, testNames)
		assert.Len(t, got, 2)
		for _, m := range got {
			assert.True(t, IsRandomMask(m))
		}
	})

	t.Run("状态条件", func(t *testing.T) {
		got := FilterMasks(masks, Filter{Status: StatusFilterBlocking}, sub, testNames)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].ID)

		got = FilterMasks(masks, Filter{Status: StatusFilterPromoBlocked}, sub, testNames)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].ID)
	})

	t.Run("多条件取交集", func(t *testing.T) {
		got := FilterMasks(masks, Filter{
			Text:   "mozmail",
			Domain: DomainFilterCustom,
			Status: StatusFilterForwarding,
		}, sub, testNames)
		assert.Len(t, got, 2)

		got = FilterMasks(masks, Filter{
			Text:   "mozmail",
			Domain: DomainFilterRandom,
		}, sub, testNames)
		assert.Empty(t, got)
	})

	t.Run("结果是输入的子集且保持顺序", func(t *testing.T) {
		got := FilterMasks(masks, Filter{Status: StatusFilterForwarding}, sub, testNames)
		assert.Equal(t, []int64{1, 3, 4}, []int64{got[0].ID, got[1].ID, got[2].ID})
	})
}
