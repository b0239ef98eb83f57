package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/db"
	"questline-settlement/pkg/health"
	"questline-settlement/pkg/idempotency"
	"questline-settlement/pkg/logger"
	"questline-settlement/pkg/otelcol"
	"questline-settlement/pkg/otelcol/exporters"
	"questline-settlement/pkg/profiling"
	"questline-settlement/pkg/ratelimit"
	"questline-settlement/pkg/redis"
	"questline-settlement/pkg/sequence"
	"questline-settlement/pkg/server"
	"questline-settlement/pkg/task"
	"questline-settlement/services/budget"
	"questline-settlement/services/challenge"
	"questline-settlement/services/reward"
	"questline-settlement/services/submission"
	"questline-settlement/services/webhook"
	"questline-settlement/services/workspace"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		ratelimit.Module,
		idempotency.Module,
		profiling.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		fx.Invoke(setupTracing),
		workspace.Module,
		challenge.Module,
		budget.Module,
		reward.Server,
		submission.Server,
		webhook.Server,
		health.Module,
		server.ProvideHTTPServer,
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

func setupTracing(cfg *config.Config) error {
	if cfg.Otel.Addr == "" {
		return nil
	}

	exporter, err := exporters.ProvideHttp(cfg)
	if err != nil {
		return err
	}

	otel.SetTracerProvider(otelcol.ProvideTrace(exporter))

	return nil
}
