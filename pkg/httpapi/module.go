package httpapi

import (
	"keyserver/pkg/authz"
	"keyserver/pkg/config"
	"keyserver/pkg/health"
	"keyserver/pkg/middleware"
	"keyserver/pkg/throttle"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine, NewRoutes),
	fx.Invoke(RegisterOps),
)

// Routes are the groups services mount their handlers on.
type Routes struct {
	Engine *gin.Engine
	// Public serves the client facing /api endpoints.
	Public *gin.RouterGroup
	// Admin requires an actor and a role allowed by the access policy.
	Admin *gin.RouterGroup
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.Trace(),
		middleware.Logger(),
		middleware.ErrorHandler(),
	)
	return r
}

type RoutesParams struct {
	fx.In
	Engine   *gin.Engine
	Enforcer *casbin.Enforcer
	Limiter  *throttle.Limiter `optional:"true"`
}

func NewRoutes(p RoutesParams) *Routes {
	public := p.Engine.Group("/api", p.Limiter.Middleware("public"))
	admin := p.Engine.Group("/api/admin", middleware.Actor(), authz.Middleware(p.Enforcer))

	return &Routes{
		Engine: p.Engine,
		Public: public,
		Admin:  admin,
	}
}

// RegisterOps mounts the probes and the Prometheus scrape endpoint.
func RegisterOps(r *gin.Engine, h health.HealthService) {
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
