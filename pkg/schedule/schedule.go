// Package schedule is the boundary to the deferred-job and cron service. Every
// operation is idempotent by id: publishing an id twice yields one job, deleting
// a missing message or schedule succeeds.
//
// Recurring schedules live in redis and are registered by a periodic task
// manager in every worker process. Failed publish or delete calls are
// reported to the caller and counted, but never retried here; reconciliation
// is an operator concern.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"partners-controlplane/pkg/config"
	"partners-controlplane/pkg/task"
	"partners-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var operations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "schedule_operations_total",
	Help: "Calls to the job scheduler, by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(operations)
}

// Message is a one-off job delivered to Destination (a task type) no earlier
// than NotBefore.
type Message struct {
	ID          string
	Destination string
	Body        []byte
	NotBefore   time.Time
	MaxRetry    int
}

// Schedule is a recurring job delivered to Destination on a cron spec.
type Schedule struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Cron        string `json:"cron"`
	Body        []byte `json:"body,omitempty"`
}

type Coordinator interface {
	Publish(ctx context.Context, msg Message) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	CreateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
}

type taskDeleter interface {
	DeleteTask(queue, id string) error
}

// entryStore holds the recurring schedules shared by every worker process.
type entryStore interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// EntriesKey is the redis hash of schedule id to JSON Schedule.
const EntriesKey = "schedule:entries"

const (
	defaultMaxRetry  = 5
	defaultUniqueTTL = 5 * time.Minute
)

var Module = fx.Module("schedule",
	fx.Provide(
		fx.Annotate(provideDeleter, fx.As(new(taskDeleter))),
		fx.Annotate(provideStore, fx.As(new(entryStore))),
		NewCoordinator,
		func(c *AsynqCoordinator) Coordinator { return c },
	),
	fx.Invoke(runPeriodicTasks),
)

type Params struct {
	fx.In

	Enqueuer task.Enqueuer
	Deleter  taskDeleter
	Store    entryStore
	Config   *config.Config `optional:"true"`
	Logger   *zap.Logger    `optional:"true"`
}

// AsynqCoordinator publishes one-off messages through asynq and keeps
// recurring schedules in redis, where every process's periodic task manager
// reads them.
type AsynqCoordinator struct {
	enqueuer  task.Enqueuer
	deleter   taskDeleter
	store     entryStore
	maxRetry  int
	uniqueTTL time.Duration
	logger    *zap.Logger
}

func NewCoordinator(p Params) *AsynqCoordinator {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &AsynqCoordinator{
		enqueuer:  p.Enqueuer,
		deleter:   p.Deleter,
		store:     p.Store,
		maxRetry:  defaultMaxRetry,
		uniqueTTL: defaultUniqueTTL,
		logger:    logger.Named("schedule"),
	}
	if p.Config != nil {
		if p.Config.Worker.MaxRetry > 0 {
			c.maxRetry = p.Config.Worker.MaxRetry
		}
		if p.Config.Worker.ScheduleUniqueTTL > 0 {
			c.uniqueTTL = p.Config.Worker.ScheduleUniqueTTL
		}
	}
	return c
}

// Publish enqueues msg and returns "<queue>/<task id>", the handle accepted by
// DeleteMessage. Messages without MaxRetry use WORKER.MAX_RETRY.
func (c *AsynqCoordinator) Publish(ctx context.Context, msg Message) (string, error) {
	if msg.Destination == "" {
		return "", errors.New("schedule: message destination is required")
	}

	queue := taskname.Queue(msg.Destination)
	maxRetry := msg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = c.maxRetry
	}
	opts := []asynq.Option{asynq.MaxRetry(maxRetry)}
	if msg.ID != "" {
		opts = append(opts, asynq.TaskID(msg.ID))
	}
	if !msg.NotBefore.IsZero() {
		opts = append(opts, asynq.ProcessAt(msg.NotBefore))
	}

	info, err := c.enqueuer.Enqueue(ctx, asynq.NewTask(msg.Destination, msg.Body), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		operations.WithLabelValues("publish", "duplicate").Inc()
		return messageID(queue, msg.ID), nil
	case err != nil:
		operations.WithLabelValues("publish", "failure").Inc()
		return "", fmt.Errorf("publish %s: %w", msg.Destination, err)
	}

	operations.WithLabelValues("publish", "success").Inc()
	return messageID(info.Queue, info.ID), nil
}

func (c *AsynqCoordinator) DeleteMessage(ctx context.Context, id string) error {
	queue, taskID, ok := strings.Cut(id, "/")
	if !ok || queue == "" || taskID == "" {
		operations.WithLabelValues("delete_message", "failure").Inc()
		return fmt.Errorf("schedule: malformed message id %q", id)
	}

	err := c.deleter.DeleteTask(queue, taskID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		operations.WithLabelValues("delete_message", "failure").Inc()
		return fmt.Errorf("delete message %s: %w", id, err)
	}

	operations.WithLabelValues("delete_message", "success").Inc()
	return nil
}

// CreateSchedule stores s, replacing any schedule stored under the same id.
// Workers pick it up on their next sync.
func (c *AsynqCoordinator) CreateSchedule(ctx context.Context, s Schedule) error {
	if s.ID == "" || s.Cron == "" || s.Destination == "" {
		return errors.New("schedule: id, cron and destination are required")
	}

	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", s.ID, err)
	}
	if err := c.store.HSet(ctx, EntriesKey, s.ID, b).Err(); err != nil {
		operations.WithLabelValues("create_schedule", "failure").Inc()
		return fmt.Errorf("create schedule %s: %w", s.ID, err)
	}

	operations.WithLabelValues("create_schedule", "success").Inc()
	return nil
}

func (c *AsynqCoordinator) DeleteSchedule(ctx context.Context, scheduleID string) error {
	if err := c.store.HDel(ctx, EntriesKey, scheduleID).Err(); err != nil {
		operations.WithLabelValues("delete_schedule", "failure").Inc()
		return fmt.Errorf("delete schedule %s: %w", scheduleID, err)
	}

	operations.WithLabelValues("delete_schedule", "success").Inc()
	return nil
}

// GetConfigs lists the stored schedules as periodic tasks. Each tick is
// unique for the configured TTL, so processes firing the same entry enqueue
// it once. Unreadable entries are logged and left out.
func (c *AsynqCoordinator) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	entries, err := c.store.HGetAll(context.Background(), EntriesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	configs := make([]*asynq.PeriodicTaskConfig, 0, len(ids))
	for _, id := range ids {
		var s Schedule
		if err := json.Unmarshal([]byte(entries[id]), &s); err != nil || s.Cron == "" || s.Destination == "" {
			c.logger.Warn("skipping unreadable schedule", zap.String("schedule_id", id), zap.Error(err))
			continue
		}
		configs = append(configs, &asynq.PeriodicTaskConfig{
			Cronspec: s.Cron,
			Task:     asynq.NewTask(s.Destination, s.Body),
			Opts: []asynq.Option{
				asynq.Queue(taskname.Queue(s.Destination)),
				asynq.Unique(c.uniqueTTL),
				asynq.MaxRetry(c.maxRetry),
			},
		})
	}
	return configs, nil
}

func messageID(queue, taskID string) string {
	return queue + "/" + taskID
}
