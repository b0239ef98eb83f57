package reward

import (
	"go.uber.org/fx"
)

var Module = fx.Module("reward.module",
	fx.Provide(
		NewService,
	),
)

// Server wires the HTTP surface on top of the service. The worker binary
// uses Module alone.
var Server = fx.Module("reward.server",
	Module,
	fx.Provide(
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
	),
)
