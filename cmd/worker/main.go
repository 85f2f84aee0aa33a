package main

import (
	"context"

	"partners-controlplane/pkg/config"
	"partners-controlplane/pkg/db"
	"partners-controlplane/pkg/eventsource"
	"partners-controlplane/pkg/gen"
	"partners-controlplane/pkg/health"
	"partners-controlplane/pkg/logger"
	"partners-controlplane/pkg/mailer"
	"partners-controlplane/pkg/otelcol"
	"partners-controlplane/pkg/redis"
	"partners-controlplane/pkg/schedule"
	"partners-controlplane/pkg/server"
	"partners-controlplane/pkg/task"
	"partners-controlplane/services/audit"
	"partners-controlplane/services/bounty"
	"partners-controlplane/services/campaign"
	"partners-controlplane/services/condition"
	"partners-controlplane/services/group"
	"partners-controlplane/services/notification"
	"partners-controlplane/services/program"
	"partners-controlplane/services/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	opts := []fx.Option{
		fx.Supply(cfg),
		logger.Module,
		otelcol.Module,
		db.Module,
		fx.Module("migrate", fx.Invoke(migrate)),
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,
		schedule.Module,
		mailer.Module,
		server.ProvideHTTPServer,
		health.Module,

		condition.Module,
		program.Module,
		audit.Module,
		notification.Module,
		bounty.Module,
		group.Module,
		campaign.Module,
		workflow.Module,

		bounty.TaskModule,
		group.TaskModule,
		campaign.TaskModule,
		workflow.TaskModule,

		fx.Invoke(registerHandlers),
		fxLogger,
	}

	// Without a broker the worker still serves queued tasks and schedules.
	if cfg.Kafka.Addrs != "" {
		opts = append(opts,
			fx.Provide(func(t *workflow.Task) eventsource.Handler { return t.HandleEventMessage }),
			eventsource.Module,
		)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

// migrate runs before any other start hook that reads the schema.
func migrate(lc fx.Lifecycle, cfg *config.Config, conn *gorm.DB) {
	if !cfg.Database.AutoMigrate {
		return
	}

	models := []any{&workflow.Workflow{}, &audit.Log{}}
	models = append(models, program.Models()...)
	models = append(models, bounty.Models()...)
	models = append(models, group.Models()...)
	models = append(models, campaign.Models()...)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("[DB] Running auto migration", zap.Int("models", len(models)))
			return conn.WithContext(ctx).AutoMigrate(models...)
		},
	})
}

type handlers struct {
	fx.In

	Mux      *asynq.ServeMux
	Workflow *workflow.Task
	Bounty   *bounty.Task
	Group    *group.Task
	Campaign *campaign.Task
}

func registerHandlers(h handlers) {
	h.Workflow.Register(h.Mux)
	h.Bounty.Register(h.Mux)
	h.Group.Register(h.Mux)
	h.Campaign.Register(h.Mux)
}
