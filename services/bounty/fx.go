package bounty

import "go.uber.org/fx"

var Module = fx.Module("bounty",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.bounty",
	fx.Provide(NewTask),
)
