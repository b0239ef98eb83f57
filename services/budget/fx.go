package budget

import (
	"go.uber.org/fx"
)

var Module = fx.Module("budget.module",
	fx.Provide(
		NewGuard,
	),
)
