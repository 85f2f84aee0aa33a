package workflow

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("workflow",
	fx.Provide(
		NewRegistry,
		NewDispatcher,
	),
)

var TaskModule = fx.Module("task.workflow",
	fx.Provide(NewTask),
	fx.Invoke(restoreSchedules),
)

func restoreSchedules(lc fx.Lifecycle, r *Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.RestoreSchedules(ctx); err != nil {
				zap.L().Warn("some workflow schedules were not restored", zap.Error(err))
			}
			return nil
		},
	})
}
