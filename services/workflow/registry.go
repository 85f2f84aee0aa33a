package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/taskname"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RegistryParams struct {
	fx.In

	DB          *gorm.DB
	Coordinator schedule.Coordinator
	Logger      *zap.Logger `optional:"true"`
}

// Registry loads enabled workflows and keeps cron schedules in step with
// their enabled state.
type Registry struct {
	db          *gorm.DB
	coordinator schedule.Coordinator
	logger      *zap.Logger
	now         func() time.Time
}

func NewRegistry(p RegistryParams) *Registry {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:          p.DB,
		coordinator: p.Coordinator,
		logger:      logger.Named("workflow.registry"),
		now:         time.Now,
	}
}

// Find returns the enabled workflows for programID and trigger. Workflows
// that fail to decode are logged and left out.
func (r *Registry) Find(ctx context.Context, programID string, trigger Trigger) ([]Definition, error) {
	var rows []Workflow
	if err := r.db.WithContext(ctx).
		Where("program_id = ? AND trigger_type = ? AND disabled_at IS NULL", programID, trigger).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find workflows: %w", err)
	}

	defs := make([]Definition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].Decode()
		if err != nil {
			r.logger.Warn("skipping malformed workflow",
				zap.String("workflow_id", rows[i].ID),
				zap.String("program_id", programID),
				zap.Error(err))
			continue
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

func (r *Registry) get(ctx context.Context, workflowID string) (*Workflow, error) {
	var w Workflow
	err := r.db.WithContext(ctx).Where("id = ?", workflowID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("workflow not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Disable stops a workflow. A scheduled workflow's cron entry is removed on a
// best effort basis.
func (r *Registry) Disable(ctx context.Context, workflowID string) (*Workflow, error) {
	w, err := r.get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.DisabledAt != nil {
		return w, nil
	}

	now := r.now()
	if err := r.db.WithContext(ctx).Model(w).Update("disabled_at", now).Error; err != nil {
		return nil, err
	}
	w.DisabledAt = &now

	if w.Trigger == TriggerScheduledTick {
		r.deleteSchedule(ctx, w)
	}
	return w, nil
}

// Enable resumes a workflow. A scheduled workflow's previous cron entry is
// deleted before a new one is created.
func (r *Registry) Enable(ctx context.Context, workflowID string) (*Workflow, error) {
	w, err := r.get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := w.Decode(); err != nil {
		return nil, err
	}

	if w.DisabledAt != nil {
		if err := r.db.WithContext(ctx).Model(w).Update("disabled_at", nil).Error; err != nil {
			return nil, err
		}
		w.DisabledAt = nil
	}

	if w.Trigger == TriggerScheduledTick {
		r.deleteSchedule(ctx, w)
		if err := r.createSchedule(ctx, w); err != nil {
			r.logger.Warn("failed to create workflow schedule",
				zap.String("workflow_id", w.ID), zap.Error(err))
		}
	}
	return w, nil
}

// RestoreSchedules writes the schedule entry of every enabled scheduled
// workflow. Entries are keyed by workflow, so running it on every worker
// start only repairs entries that went missing.
func (r *Registry) RestoreSchedules(ctx context.Context) error {
	var rows []Workflow
	if err := r.db.WithContext(ctx).
		Where("trigger_type = ? AND disabled_at IS NULL", TriggerScheduledTick).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("load scheduled workflows: %w", err)
	}

	var errs []error
	for i := range rows {
		if _, err := rows[i].Decode(); err != nil {
			r.logger.Warn("skipping malformed scheduled workflow", zap.String("workflow_id", rows[i].ID), zap.Error(err))
			continue
		}
		if err := r.createSchedule(ctx, &rows[i]); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("restored workflow schedules", zap.Int("workflows", len(rows)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func scheduleID(w *Workflow) string {
	if w.ScheduleID != nil && *w.ScheduleID != "" {
		return *w.ScheduleID
	}
	return "workflow:" + w.ID
}

func (r *Registry) createSchedule(ctx context.Context, w *Workflow) error {
	body, err := json.Marshal(Event{Trigger: TriggerScheduledTick, ProgramID: w.ProgramID, WorkflowID: w.ID})
	if err != nil {
		return err
	}
	cron := w.Cron
	if cron == "" {
		cron = DefaultCron
	}

	id := scheduleID(w)
	if err := r.coordinator.CreateSchedule(ctx, schedule.Schedule{
		ID:          id,
		Destination: taskname.WorkflowTrigger,
		Cron:        cron,
		Body:        body,
	}); err != nil {
		return err
	}

	if w.ScheduleID == nil || *w.ScheduleID != id {
		if err := r.db.WithContext(ctx).Model(w).Update("schedule_id", id).Error; err != nil {
			return err
		}
		w.ScheduleID = &id
	}
	return nil
}

func (r *Registry) deleteSchedule(ctx context.Context, w *Workflow) {
	if err := r.coordinator.DeleteSchedule(ctx, scheduleID(w)); err != nil {
		r.logger.Warn("failed to delete workflow schedule",
			zap.String("workflow_id", w.ID), zap.String("schedule_id", scheduleID(w)), zap.Error(err))
	}
}
