package submission

import (
	"questline-settlement/services/challenge"
	"questline-settlement/services/reward"

	"go.uber.org/fx"
)

func provideAssignmentChecker(svc *challenge.Service) AssignmentChecker {
	return svc
}

func provideActivityDirectory(svc *challenge.Service) ActivityDirectory {
	return svc
}

func provideRewardLedger(svc *reward.Service) RewardLedger {
	return svc
}

var Module = fx.Module("submission.module",
	fx.Provide(
		NewService,
		provideAssignmentChecker,
		provideActivityDirectory,
		provideRewardLedger,
	),
)

var Server = fx.Module("submission.server",
	Module,
	fx.Provide(
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
	),
)
