package main

import (
	"log"

	"go.uber.org/fx"

	"keyserver/pkg/config"
	"keyserver/pkg/db"
	"keyserver/pkg/gen"
	"keyserver/pkg/hashistack/secretmanager"
	"keyserver/pkg/logger"
	"keyserver/pkg/minio"
	"keyserver/pkg/otelcol"
	"keyserver/pkg/redis"
	"keyserver/pkg/task"
	"keyserver/services/audit"
	taskservice "keyserver/services/task"
)

// The worker verifies every application's audit chain once a day and, when
// MinIO is configured, uploads a full snapshot of each chain to the archive
// bucket.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		gen.Module,
		db.Module,
		redis.Module,
		minio.Client,
		task.Client,
		task.Server,

		audit.Module,
		audit.Worker,
		taskservice.Module,
		logger.FxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
