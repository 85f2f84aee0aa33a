package audit

import (
	"time"

	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Actor is who caused a change. Workflow driven changes use SystemActor.
type Actor struct {
	ID   string
	Name string
	Type ActorType
}

var SystemActor = Actor{ID: "system", Name: "Workflow", Type: ActorSystem}

type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Log struct {
	ID          string         `gorm:"column:id;primaryKey"`
	ProgramID   string         `gorm:"column:program_id;index;not null"`
	Action      string         `gorm:"column:action;not null"`
	ActorID     string         `gorm:"column:actor_id"`
	ActorName   string         `gorm:"column:actor_name"`
	ActorType   ActorType      `gorm:"column:actor_type"`
	TargetType  string         `gorm:"column:target_type"`
	TargetID    string         `gorm:"column:target_id;index"`
	Description string         `gorm:"column:description"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Log) TableName() string { return "audit_logs" }
