package program

import (
	"time"
)

type Program struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Name         string    `gorm:"column:name;not null"`
	Slug         string    `gorm:"column:slug;uniqueIndex"`
	SupportEmail string    `gorm:"column:support_email"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Program) TableName() string { return "programs" }

type Partner struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name;not null"`
	Email     string    `gorm:"column:email"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Partner) TableName() string { return "partners" }

// PartnerGroup carries the reward and discount configuration applied to every
// enrollment assigned to it.
type PartnerGroup struct {
	ID            string    `gorm:"column:id;primaryKey"`
	ProgramID     string    `gorm:"column:program_id;index;not null"`
	Name          string    `gorm:"column:name;not null"`
	Slug          string    `gorm:"column:slug"`
	ClickRewardID *string   `gorm:"column:click_reward_id"`
	LeadRewardID  *string   `gorm:"column:lead_reward_id"`
	SaleRewardID  *string   `gorm:"column:sale_reward_id"`
	DiscountID    *string   `gorm:"column:discount_id"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (PartnerGroup) TableName() string { return "partner_groups" }

type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentRejected EnrollmentStatus = "rejected"
	EnrollmentBanned   EnrollmentStatus = "banned"
	EnrollmentArchived EnrollmentStatus = "archived"
)

type ProgramEnrollment struct {
	ID            string           `gorm:"column:id;primaryKey"`
	ProgramID     string           `gorm:"column:program_id;not null;uniqueIndex:idx_enrollment_program_partner"`
	PartnerID     string           `gorm:"column:partner_id;not null;uniqueIndex:idx_enrollment_program_partner"`
	GroupID       *string          `gorm:"column:group_id;index"`
	Status        EnrollmentStatus `gorm:"column:status;not null;default:'pending'"`
	ClickRewardID *string          `gorm:"column:click_reward_id"`
	LeadRewardID  *string          `gorm:"column:lead_reward_id"`
	SaleRewardID  *string          `gorm:"column:sale_reward_id"`
	DiscountID    *string          `gorm:"column:discount_id"`
	CreatedAt     time.Time        `gorm:"column:created_at"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`

	Partner Partner `gorm:"foreignKey:PartnerID;references:ID"`
}

func (ProgramEnrollment) TableName() string { return "program_enrollments" }

// InGroup reports whether the enrollment is assigned to groupID.
func (e *ProgramEnrollment) InGroup(groupID string) bool {
	return e.GroupID != nil && *e.GroupID == groupID
}

type ProgramUser struct {
	ID                       string `gorm:"column:id;primaryKey"`
	ProgramID                string `gorm:"column:program_id;index;not null"`
	UserID                   string `gorm:"column:user_id;not null"`
	Email                    string `gorm:"column:email;not null"`
	Role                     string `gorm:"column:role;not null;default:'owner'"`
	NotifyNewBountySubmitted bool   `gorm:"column:notify_new_bounty_submitted;default:true"`
}

func (ProgramUser) TableName() string { return "program_users" }

// PartnerMetrics holds aggregate counters per enrollment. Rows are written by
// the analytics pipeline; this module only reads them.
type PartnerMetrics struct {
	ProgramID   string    `gorm:"column:program_id;primaryKey"`
	PartnerID   string    `gorm:"column:partner_id;primaryKey"`
	Leads       int64     `gorm:"column:leads"`
	Conversions int64     `gorm:"column:conversions"`
	SaleAmount  int64     `gorm:"column:sale_amount"`
	Commissions int64     `gorm:"column:commissions"`
	Clicks      int64     `gorm:"column:clicks"`
	Sales       int64     `gorm:"column:sales"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (PartnerMetrics) TableName() string { return "partner_metrics" }

// Models lists every table owned by this package, for migrations and tests.
func Models() []any {
	return []any{&Program{}, &Partner{}, &PartnerGroup{}, &ProgramEnrollment{}, &ProgramUser{}, &PartnerMetrics{}}
}
