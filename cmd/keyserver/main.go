package main

import (
	"log"

	"go.uber.org/fx"

	"keyserver/pkg/authz"
	"keyserver/pkg/config"
	"keyserver/pkg/db"
	"keyserver/pkg/gen"
	"keyserver/pkg/hashistack/secretmanager"
	"keyserver/pkg/hashistack/servicediscover"
	"keyserver/pkg/health"
	"keyserver/pkg/httpapi"
	"keyserver/pkg/logger"
	"keyserver/pkg/otelcol"
	"keyserver/pkg/profiling"
	"keyserver/pkg/redis"
	"keyserver/pkg/server"
	"keyserver/pkg/throttle"
	"keyserver/services/application"
	"keyserver/services/audit"
	"keyserver/services/bootstrap"
	"keyserver/services/key"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		gen.Module,
		db.Module,
		redis.Module,
		throttle.Module,
		authz.Module,
		health.Module,
		httpapi.Module,

		audit.Module,
		audit.Server,
		application.Module,
		application.Server,
		key.Module,
		key.Server,
		bootstrap.Module,

		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		servicediscover.Module,
		logger.FxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
