package group

import "go.uber.org/fx"

var Module = fx.Module("group",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.group",
	fx.Provide(NewTask),
)
