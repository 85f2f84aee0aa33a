// Package audit appends change records. Entries are diff driven: a change
// whose old and new values are equal produces no record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Change is the old/new pair stored in a log's metadata.
type Change struct {
	Old map[string]any `json:"old"`
	New map[string]any `json:"new"`
}

// Diff normalises old and new through JSON and reports whether they differ.
func Diff(old, new any) (Change, bool, error) {
	o, err := normalize(old)
	if err != nil {
		return Change{}, false, err
	}
	n, err := normalize(new)
	if err != nil {
		return Change{}, false, err
	}
	return Change{Old: o, New: n}, !reflect.DeepEqual(o, n), nil
}

func normalize(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entry describes one change before it is written.
type Entry struct {
	ProgramID   string
	Action      string
	Actor       Actor
	Target      Target
	Description string
	Old         any
	New         any
}

type Recorder interface {
	// Record writes one log per entry whose old and new values differ and
	// returns the number written.
	Record(ctx context.Context, entries ...Entry) (int, error)
}

var Module = fx.Module("audit",
	fx.Provide(fx.Annotate(NewRecorder, fx.As(new(Recorder)))),
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Logger *zap.Logger `optional:"true"`
}

type GormRecorder struct {
	db     *gorm.DB
	node   *snowflake.Node
	logger *zap.Logger
}

func NewRecorder(p Params) *GormRecorder {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormRecorder{db: p.DB, node: p.Node, logger: logger.Named("audit")}
}

func (r *GormRecorder) Record(ctx context.Context, entries ...Entry) (int, error) {
	logs := make([]Log, 0, len(entries))
	for _, e := range entries {
		change, changed, err := Diff(e.Old, e.New)
		if err != nil {
			return 0, fmt.Errorf("audit diff %s/%s: %w", e.Target.Type, e.Target.ID, err)
		}
		if !changed {
			r.logger.Debug("skipping unchanged audit entry",
				zap.String("action", e.Action), zap.String("target_id", e.Target.ID))
			continue
		}

		meta, err := json.Marshal(change)
		if err != nil {
			return 0, err
		}
		logs = append(logs, Log{
			ID:          r.node.Generate().String(),
			ProgramID:   e.ProgramID,
			Action:      e.Action,
			ActorID:     e.Actor.ID,
			ActorName:   e.Actor.Name,
			ActorType:   e.Actor.Type,
			TargetType:  e.Target.Type,
			TargetID:    e.Target.ID,
			Description: e.Description,
			Metadata:    datatypes.JSON(meta),
		})
	}

	if len(logs) == 0 {
		return 0, nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return 0, fmt.Errorf("write audit logs: %w", err)
	}
	return len(logs), nil
}
