package campaign

import (
	"context"
	"fmt"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/task"
	"partners-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

type TaskParams struct {
	fx.In

	Service *Service
}

type Task struct {
	svc *Service
}

func NewTask(p TaskParams) *Task {
	return &Task{svc: p.Service}
}

func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.CampaignBroadcast, t.HandleBroadcastTask)
	mux.HandleFunc(taskname.CampaignSchedule, t.HandleScheduleTask)
	mux.HandleFunc(taskname.CampaignCancel, t.HandleCancelTask)
}

func (t *Task) HandleBroadcastTask(ctx context.Context, at *asynq.Task) error {
	var p BroadcastPayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}

	_, err := t.svc.Broadcast(ctx, BroadcastRequest{CampaignID: p.CampaignID, PartnerID: p.PartnerID, Cursor: p.Cursor})
	return skipPermanent(err)
}

func (t *Task) HandleScheduleTask(ctx context.Context, at *asynq.Task) error {
	var p SchedulePayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}
	if p.ScheduledAt.IsZero() {
		return fmt.Errorf("campaign %s: scheduled_at is required: %w", p.CampaignID, asynq.SkipRetry)
	}

	_, err := t.svc.Schedule(ctx, p.CampaignID, p.ScheduledAt)
	return skipPermanent(err)
}

func (t *Task) HandleCancelTask(ctx context.Context, at *asynq.Task) error {
	var p CancelPayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}

	_, err := t.svc.Cancel(ctx, p.CampaignID)
	return skipPermanent(err)
}

// skipPermanent stops asynq from retrying errors a retry cannot fix.
func skipPermanent(err error) error {
	switch errutil.StatusOf(err) {
	case errutil.StatusNotFound, errutil.StatusValidationFailed, errutil.StatusBadRequest,
		errutil.StatusUnprocessableEntity, errutil.StatusConflict:
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
