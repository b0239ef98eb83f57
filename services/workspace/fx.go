package workspace

import (
	"go.uber.org/fx"
)

var Module = fx.Module("workspace.module",
	fx.Provide(
		NewService,
	),
)
