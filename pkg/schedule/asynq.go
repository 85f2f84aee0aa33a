package schedule

import (
	"context"
	"errors"
	"time"

	"partners-controlplane/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultSyncInterval = time.Minute

func provideDeleter(inspector *asynq.Inspector) *asynq.Inspector {
	return inspector
}

func provideStore(rdb *redis.Client) *redis.Client {
	return rdb
}

// runPeriodicTasks starts a periodic task manager that keeps this process's
// cron entries in step with the stored schedules.
func runPeriodicTasks(lc fx.Lifecycle, cfg *config.Config, rdb *redis.Client, c *AsynqCoordinator) error {
	interval := cfg.Worker.ScheduleSyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		PeriodicTaskConfigProvider: c,
		RedisUniversalClient:       rdb,
		SyncInterval:               interval,
		SchedulerOpts: &asynq.SchedulerOpts{
			Location: time.UTC,
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				switch {
				case errors.Is(err, asynq.ErrDuplicateTask):
					operations.WithLabelValues("tick", "duplicate").Inc()
				case err != nil:
					operations.WithLabelValues("tick", "failure").Inc()
					zap.L().Warn("scheduled enqueue failed", zap.Error(err))
				default:
					operations.WithLabelValues("tick", "success").Inc()
				}
			},
		},
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return mgr.Start()
		},
		OnStop: func(ctx context.Context) error {
			mgr.Shutdown()
			return nil
		},
	})
	return nil
}
