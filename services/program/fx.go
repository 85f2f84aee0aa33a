package program

import "go.uber.org/fx"

var Module = fx.Module("program",
	fx.Provide(
		NewRepository,
		func(r Repository) MetricsStore { return r },
	),
)
