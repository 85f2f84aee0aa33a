package group

import "time"

// Link is a partner's referral link. Its group decides which rewards apply
// to clicks, leads and sales tracked through it.
type Link struct {
	ID             string    `gorm:"column:id;primaryKey"`
	ProgramID      string    `gorm:"column:program_id;index;not null"`
	PartnerID      string    `gorm:"column:partner_id;index;not null"`
	PartnerGroupID *string   `gorm:"column:partner_group_id"`
	Key            string    `gorm:"column:key;not null"`
	URL            string    `gorm:"column:url;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Link) TableName() string { return "links" }

type DiscountCode struct {
	ID         string    `gorm:"column:id;primaryKey"`
	ProgramID  string    `gorm:"column:program_id;index;not null"`
	PartnerID  string    `gorm:"column:partner_id;index;not null"`
	DiscountID string    `gorm:"column:discount_id;not null"`
	Code       string    `gorm:"column:code;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DiscountCode) TableName() string { return "discount_codes" }

func Models() []any {
	return []any{&Link{}, &DiscountCode{}}
}

// MovedPayload is the body of every group fan-out task.
type MovedPayload struct {
	ProgramID  string   `json:"program_id"`
	GroupID    string   `json:"group_id"`
	PartnerIDs []string `json:"partner_ids"`
}

type groupRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
