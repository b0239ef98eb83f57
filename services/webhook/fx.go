package webhook

import (
	"questline-settlement/pkg/taskname"
	"questline-settlement/services/reward"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

func provideRewardLedger(svc *reward.Service) RewardLedger {
	return svc
}

var Module = fx.Module("webhook.module",
	fx.Provide(
		NewService,
		provideRewardLedger,
	),
)

var Server = fx.Module("webhook.server",
	Module,
	fx.Provide(
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
	),
)

// Worker runs the janitor and the scheduled retry sweep. Only the worker
// binary includes it.
var Worker = fx.Module("webhook.worker",
	Module,
	fx.Provide(
		NewJanitor,
	),
	fx.Invoke(
		StartJanitor,
		registerHandlers,
	),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.WebhookRetrySweep, s.HandleRetrySweepTask)
}
