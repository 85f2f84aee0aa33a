package campaign

import "go.uber.org/fx"

var Module = fx.Module("campaign",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.campaign",
	fx.Provide(NewTask),
)
