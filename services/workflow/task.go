package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"partners-controlplane/pkg/eventsource"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/task"
	"partners-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type toggler interface {
	Enable(ctx context.Context, workflowID string) (*Workflow, error)
	Disable(ctx context.Context, workflowID string) (*Workflow, error)
}

// TogglePayload is the body of the workflow:enable and workflow:disable tasks.
type TogglePayload struct {
	WorkflowID string `json:"workflowId"`
}

type TaskParams struct {
	fx.In

	Dispatcher  *Dispatcher
	Registry    *Registry
	Coordinator schedule.Coordinator
	Logger      *zap.Logger `optional:"true"`
}

type Task struct {
	dispatcher  *Dispatcher
	registry    toggler
	coordinator schedule.Coordinator
	logger      *zap.Logger
}

func NewTask(p TaskParams) *Task {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Task{dispatcher: p.Dispatcher, coordinator: p.Coordinator, logger: logger.Named("workflow.task")}
	if p.Registry != nil {
		t.registry = p.Registry
	}
	return t
}

func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.WorkflowTrigger, t.HandleTriggerTask)
	mux.HandleFunc(taskname.WorkflowEnable, t.HandleEnableTask)
	mux.HandleFunc(taskname.WorkflowDisable, t.HandleDisableTask)
}

func (t *Task) HandleEnableTask(ctx context.Context, at *asynq.Task) error {
	return t.toggle(ctx, at, t.registry.Enable)
}

func (t *Task) HandleDisableTask(ctx context.Context, at *asynq.Task) error {
	return t.toggle(ctx, at, t.registry.Disable)
}

func (t *Task) toggle(ctx context.Context, at *asynq.Task, fn func(context.Context, string) (*Workflow, error)) error {
	var p TogglePayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}

	w, err := fn(ctx, p.WorkflowID)
	if skippable(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	t.logger.Info("workflow toggled", zap.String("task", at.Type()), zap.String("workflow_id", w.ID), zap.Bool("disabled", w.DisabledAt != nil))
	return nil
}

// HandleTriggerTask runs a trigger event. An event for a single workflow is
// dispatched directly. Otherwise one task per matching workflow is queued, so
// a failing workflow retries alone and its siblings are not applied twice.
func (t *Task) HandleTriggerTask(ctx context.Context, at *asynq.Task) error {
	var ev Event
	if err := task.Decode(at, &ev); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if ev.ID == "" {
		ev.ID, _ = asynq.GetTaskID(ctx)
	}

	if ev.WorkflowID != "" {
		return t.dispatcher.Dispatch(ctx, ev)
	}
	return t.fanOut(ctx, ev)
}

func (t *Task) fanOut(ctx context.Context, ev Event) error {
	ids, err := t.dispatcher.Targets(ctx, ev)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		one := ev
		one.WorkflowID = id
		body, err := json.Marshal(one)
		if err != nil {
			return err
		}

		msg := schedule.Message{Destination: taskname.WorkflowTrigger, Body: body}
		if ev.ID != "" {
			msg.ID = "event:" + ev.ID + ":" + id
		}
		if _, err := t.coordinator.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("queue workflow %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// HandleEventMessage moves a trigger event from the event stream onto the
// task queue. The stream position is the task id, so a redelivered message
// does not queue a second dispatch. Malformed events are dropped.
func (t *Task) HandleEventMessage(ctx context.Context, msg eventsource.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.logger.Warn("dropping undecodable trigger event", zap.String("position", msg.Position()), zap.Error(err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		t.logger.Warn("dropping invalid trigger event", zap.String("position", msg.Position()), zap.Error(err))
		return nil
	}

	if ev.ID == "" {
		ev.ID = msg.Position()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = t.coordinator.Publish(ctx, schedule.Message{
		ID:          "event:" + msg.Position(),
		Destination: taskname.WorkflowTrigger,
		Body:        body,
	})
	return err
}
