package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/services/condition"

	"gorm.io/datatypes"
)

type Trigger string

const (
	TriggerSaleRecorded       Trigger = "saleRecorded"
	TriggerLeadRecorded       Trigger = "leadRecorded"
	TriggerConversionRecorded Trigger = "conversionRecorded"
	TriggerCommissionEarned   Trigger = "commissionEarned"
	TriggerGroupChanged       Trigger = "groupChanged"
	TriggerScheduledTick      Trigger = "scheduledTick"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerSaleRecorded, TriggerLeadRecorded, TriggerConversionRecorded,
		TriggerCommissionEarned, TriggerGroupChanged, TriggerScheduledTick:
		return true
	}
	return false
}

// DefaultCron is used by scheduled workflows stored without a cron spec.
const DefaultCron = "@daily"

// Workflow is the stored rule. Conditions and actions stay raw JSON until
// Decode; only DisabledAt and ScheduleID change after creation.
type Workflow struct {
	ID                string         `gorm:"column:id;primaryKey"`
	ProgramID         string         `gorm:"column:program_id;not null;index:idx_workflow_program_trigger"`
	Trigger           Trigger        `gorm:"column:trigger_type;not null;index:idx_workflow_program_trigger"`
	TriggerConditions datatypes.JSON `gorm:"column:trigger_conditions"`
	Actions           datatypes.JSON `gorm:"column:actions"`
	Cron              string         `gorm:"column:cron"`
	ScheduleID        *string        `gorm:"column:schedule_id"`
	DisabledAt        *time.Time     `gorm:"column:disabled_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Workflow) TableName() string { return "workflows" }

type ActionType string

const (
	ActionAwardBounty  ActionType = "awardBounty"
	ActionMoveGroup    ActionType = "moveGroup"
	ActionSendCampaign ActionType = "sendCampaign"
)

// Action is one of AwardBounty, MoveGroup or SendCampaign.
type Action interface {
	Type() ActionType
}

type AwardBounty struct {
	BountyID string `json:"bountyId"`
}

func (AwardBounty) Type() ActionType { return ActionAwardBounty }

// MoveGroup moves partners to ToGroupID. When FromGroupID is set only
// partners currently in that group move.
type MoveGroup struct {
	FromGroupID *string `json:"fromGroupId,omitempty"`
	ToGroupID   string  `json:"toGroupId"`
}

func (MoveGroup) Type() ActionType { return ActionMoveGroup }

type SendCampaign struct {
	CampaignID string `json:"campaignId"`
}

func (SendCampaign) Type() ActionType { return ActionSendCampaign }

type rawAction struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Definition is a workflow with its condition and action decoded.
type Definition struct {
	ID        string
	ProgramID string
	Trigger   Trigger
	Condition condition.Condition
	Action    Action
}

// Decode validates the stored payloads. A workflow must carry exactly one
// condition and exactly one action.
func (w *Workflow) Decode() (*Definition, error) {
	if !w.Trigger.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unsupported trigger %q", w.Trigger), nil)
	}

	var conds []condition.Condition
	if err := json.Unmarshal(w.TriggerConditions, &conds); err != nil {
		return nil, errutil.ValidationFailed("invalid trigger conditions", err)
	}
	if len(conds) != 1 {
		return nil, errutil.ValidationFailed(fmt.Sprintf("expected exactly one condition, got %d", len(conds)), nil)
	}
	if err := conds[0].Validate(); err != nil {
		return nil, err
	}

	var actions []rawAction
	if err := json.Unmarshal(w.Actions, &actions); err != nil {
		return nil, errutil.ValidationFailed("invalid actions", err)
	}
	if len(actions) != 1 {
		return nil, errutil.ValidationFailed(fmt.Sprintf("expected exactly one action, got %d", len(actions)), nil)
	}
	action, err := decodeAction(actions[0])
	if err != nil {
		return nil, err
	}

	return &Definition{
		ID:        w.ID,
		ProgramID: w.ProgramID,
		Trigger:   w.Trigger,
		Condition: conds[0],
		Action:    action,
	}, nil
}

func decodeAction(raw rawAction) (Action, error) {
	invalid := func(err error) error {
		return errutil.ValidationFailed(fmt.Sprintf("invalid %s action", raw.Type), err)
	}

	switch raw.Type {
	case ActionAwardBounty:
		var a AwardBounty
		if err := json.Unmarshal(raw.Data, &a); err != nil {
			return nil, invalid(err)
		}
		if a.BountyID == "" {
			return nil, invalid(fmt.Errorf("bountyId is required"))
		}
		return a, nil
	case ActionMoveGroup:
		var a MoveGroup
		if err := json.Unmarshal(raw.Data, &a); err != nil {
			return nil, invalid(err)
		}
		if a.ToGroupID == "" {
			return nil, invalid(fmt.Errorf("toGroupId is required"))
		}
		if a.FromGroupID != nil && *a.FromGroupID == "" {
			a.FromGroupID = nil
		}
		return a, nil
	case ActionSendCampaign:
		var a SendCampaign
		if err := json.Unmarshal(raw.Data, &a); err != nil {
			return nil, invalid(err)
		}
		if a.CampaignID == "" {
			return nil, invalid(fmt.Errorf("campaignId is required"))
		}
		return a, nil
	default:
		return nil, errutil.ValidationFailed(fmt.Sprintf("unsupported action type %q", raw.Type), nil)
	}
}

// Event is a trigger delivered to the dispatcher. Current holds what this
// event contributed (e.g. the sale amount); Totals is the partner's metric
// snapshot and is read from the metrics store when absent. WorkflowID limits
// dispatch to a single workflow, as cron ticks do. ID identifies the event
// across redeliveries.
type Event struct {
	ID         string               `json:"id,omitempty"`
	Trigger    Trigger              `json:"trigger"`
	ProgramID  string               `json:"programId"`
	PartnerID  string               `json:"partnerId,omitempty"`
	GroupID    string               `json:"groupId,omitempty"`
	WorkflowID string               `json:"workflowId,omitempty"`
	Current    condition.Attributes `json:"current,omitempty"`
	Totals     condition.Attributes `json:"totals,omitempty"`
}

func (e Event) Validate() error {
	if !e.Trigger.Valid() {
		return errutil.ValidationFailed(fmt.Sprintf("unsupported trigger %q", e.Trigger), nil)
	}
	if e.ProgramID == "" {
		return errutil.ValidationFailed("programId is required", nil)
	}
	return nil
}
