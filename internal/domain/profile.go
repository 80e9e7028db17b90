package domain

// Profile 表示账户档案中与掩码展示相关的字段。
type Profile struct {
	ID                     int64   `json:"id"`
	Subdomain              *string `json:"subdomain"` // 用户子域，未认领时为 null
	RemoveLevelOneTrackers bool    `json:"remove_level_one_email_trackers"`
	HasPhone               bool    `json:"has_phone"`
}
