package provider

import (
	"questline-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.module",
	fx.Provide(
		NewHTTPClient,
	),
)

// Worker registers the dispatch handler on the asynq mux. Only the worker
// binary includes it.
var Worker = fx.Module("provider.worker",
	Module,
	fx.Provide(
		NewDispatcher,
	),
	fx.Invoke(
		registerHandlers,
	),
)

func registerHandlers(mux *asynq.ServeMux, d *Dispatcher) {
	mux.HandleFunc(taskname.RewardDispatch, d.HandleDispatchTask)
}
