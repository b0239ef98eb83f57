package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/db"
	"questline-settlement/pkg/featureflags"
	"questline-settlement/pkg/idempotency"
	"questline-settlement/pkg/logger"
	"questline-settlement/pkg/minio"
	"questline-settlement/pkg/ratelimit"
	"questline-settlement/pkg/redis"
	"questline-settlement/pkg/sequence"
	"questline-settlement/pkg/task"
	"questline-settlement/services/budget"
	"questline-settlement/services/provider"
	"questline-settlement/services/reward"
	"questline-settlement/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		ratelimit.Module,
		idempotency.Module,
		featureflags.Module,
		minio.Client,
		fx.Provide(
			provideSnowflakeNode,
		),
		budget.Module,
		reward.Module,
		provider.Worker,
		webhook.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
