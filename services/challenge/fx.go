package challenge

import (
	"go.uber.org/fx"
)

var Module = fx.Module("challenge.module",
	fx.Provide(
		NewService,
	),
)
