package campaign

import (
	"encoding/json"
	"time"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/condition"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeTransactional Type = "transactional"
	TypeMarketing     Type = "marketing"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
)

// Campaign is an email sent to approved partners in its groups. Transactional
// campaigns are sent by workflows one partner at a time; marketing campaigns
// are broadcast in pages.
type Campaign struct {
	ID                string         `gorm:"column:id;primaryKey"`
	ProgramID         string         `gorm:"column:program_id;index;not null"`
	Type              Type           `gorm:"column:type;not null"`
	Status            Status         `gorm:"column:status;not null;default:'draft'"`
	Name              string         `gorm:"column:name;not null"`
	Subject           string         `gorm:"column:subject;not null"`
	Body              string         `gorm:"column:body;type:text"`
	TriggerCondition  datatypes.JSON `gorm:"column:trigger_condition"`
	WorkflowID        *string        `gorm:"column:workflow_id"`
	ScheduledAt       *time.Time     `gorm:"column:scheduled_at"`
	ScheduleMessageID *string        `gorm:"column:schedule_message_id"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`

	Groups []Group `gorm:"foreignKey:CampaignID;references:ID"`
}

func (Campaign) TableName() string { return "campaigns" }

// Condition decodes the trigger condition. A campaign without one targets
// every partner in its audience.
func (c *Campaign) Condition() (*condition.Condition, error) {
	if len(c.TriggerCondition) == 0 || string(c.TriggerCondition) == "null" {
		return nil, nil
	}
	var cond condition.Condition
	if err := json.Unmarshal(c.TriggerCondition, &cond); err != nil {
		return nil, errutil.ValidationFailed("invalid campaign trigger condition", err)
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return &cond, nil
}

// Sendable reports whether the campaign may send in its current status.
func (c *Campaign) Sendable() bool {
	switch c.Type {
	case TypeTransactional:
		return c.Status == StatusActive
	case TypeMarketing:
		return c.Status == StatusScheduled || c.Status == StatusSending
	default:
		return false
	}
}

func (c *Campaign) GroupIDs() []string {
	ids := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		ids = append(ids, g.GroupID)
	}
	return ids
}

type Group struct {
	CampaignID string `gorm:"column:campaign_id;primaryKey"`
	GroupID    string `gorm:"column:group_id;primaryKey"`
}

func (Group) TableName() string { return "campaign_groups" }

// NotificationEmail records one delivered campaign email. It is the ledger
// consulted before sending; the pair is indexed but not unique.
type NotificationEmail struct {
	ID         string    `gorm:"column:id;primaryKey"`
	ProgramID  string    `gorm:"column:program_id;not null"`
	CampaignID string    `gorm:"column:campaign_id;not null;index:idx_notification_campaign_partner"`
	PartnerID  string    `gorm:"column:partner_id;not null;index:idx_notification_campaign_partner"`
	Email      string    `gorm:"column:email;not null"`
	MessageID  string    `gorm:"column:message_id"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (NotificationEmail) TableName() string { return "notification_emails" }

func Models() []any {
	return []any{&Campaign{}, &Group{}, &NotificationEmail{}}
}

// BroadcastPayload is the body of the campaign:broadcast task.
type BroadcastPayload struct {
	CampaignID string `json:"campaign_id"`
	PartnerID  string `json:"partner_id,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

// SchedulePayload is the body of the campaign:schedule task.
type SchedulePayload struct {
	CampaignID  string    `json:"campaign_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CancelPayload is the body of the campaign:cancel task.
type CancelPayload struct {
	CampaignID string `json:"campaign_id"`
}
