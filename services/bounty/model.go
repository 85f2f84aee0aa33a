package bounty

import (
	"time"
)

type Type string

const (
	TypePerformance Type = "performance"
	TypeSubmission  Type = "submission"
)

type Bounty struct {
	ID           string     `gorm:"column:id;primaryKey"`
	ProgramID    string     `gorm:"column:program_id;index;not null"`
	WorkflowID   *string    `gorm:"column:workflow_id"`
	Name         string     `gorm:"column:name;not null"`
	Type         Type       `gorm:"column:type;not null"`
	RewardAmount *int64     `gorm:"column:reward_amount"`
	StartsAt     time.Time  `gorm:"column:starts_at;not null"`
	EndsAt       *time.Time `gorm:"column:ends_at"`
	ArchivedAt   *time.Time `gorm:"column:archived_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`

	Groups []Group `gorm:"foreignKey:BountyID;references:ID"`
}

func (Bounty) TableName() string { return "bounties" }

// Active reports whether the bounty accepts progress at now.
func (b *Bounty) Active(now time.Time) bool {
	if b.ArchivedAt != nil || b.StartsAt.After(now) {
		return false
	}
	return b.EndsAt == nil || b.EndsAt.After(now)
}

// Eligible reports whether a partner in groupID may progress. A bounty without
// groups is open to every group, including partners without one.
func (b *Bounty) Eligible(groupID *string) bool {
	if len(b.Groups) == 0 {
		return true
	}
	if groupID == nil {
		return false
	}
	for _, g := range b.Groups {
		if g.GroupID == *groupID {
			return true
		}
	}
	return false
}

type Group struct {
	BountyID string `gorm:"column:bounty_id;primaryKey"`
	GroupID  string `gorm:"column:group_id;primaryKey"`
}

func (Group) TableName() string { return "bounty_groups" }

type SubmissionStatus string

const (
	StatusDraft     SubmissionStatus = "draft"
	StatusSubmitted SubmissionStatus = "submitted"
	StatusApproved  SubmissionStatus = "approved"
)

func (s SubmissionStatus) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusSubmitted:
		return 1
	case StatusApproved:
		return 2
	default:
		return -1
	}
}

// Before reports whether s precedes other in the submission lifecycle.
func (s SubmissionStatus) Before(other SubmissionStatus) bool {
	return s.rank() < other.rank()
}

type Submission struct {
	ID               string           `gorm:"column:id;primaryKey"`
	ProgramID        string           `gorm:"column:program_id;index;not null"`
	BountyID         string           `gorm:"column:bounty_id;not null;uniqueIndex:idx_submission_bounty_partner"`
	PartnerID        string           `gorm:"column:partner_id;not null;uniqueIndex:idx_submission_bounty_partner"`
	Status           SubmissionStatus `gorm:"column:status;not null;default:'draft'"`
	PerformanceCount int64            `gorm:"column:performance_count;not null;default:0"`
	CommissionID     *string          `gorm:"column:commission_id"`
	CompletedAt      *time.Time       `gorm:"column:completed_at"`
	ReviewedAt       *time.Time       `gorm:"column:reviewed_at"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (Submission) TableName() string { return "bounty_submissions" }

// SubmissionEvent records an event already counted toward a submission, so
// a redelivered event adds nothing.
type SubmissionEvent struct {
	SubmissionID string    `gorm:"column:submission_id;primaryKey"`
	EventID      string    `gorm:"column:event_id;primaryKey"`
	Increment    int64     `gorm:"column:increment;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (SubmissionEvent) TableName() string { return "bounty_submission_events" }

type CommissionStatus string

const CommissionPending CommissionStatus = "pending"

type Commission struct {
	ID          string           `gorm:"column:id;primaryKey"`
	ProgramID   string           `gorm:"column:program_id;index;not null"`
	PartnerID   string           `gorm:"column:partner_id;index;not null"`
	BountyID    *string          `gorm:"column:bounty_id;index"`
	Type        string           `gorm:"column:type;not null"`
	Amount      int64            `gorm:"column:amount;not null"`
	Status      CommissionStatus `gorm:"column:status;not null"`
	Description string           `gorm:"column:description"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
}

func (Commission) TableName() string { return "commissions" }

func Models() []any {
	return []any{&Bounty{}, &Group{}, &Submission{}, &SubmissionEvent{}, &Commission{}}
}
