package authz

import (
	"fmt"

	"keyserver/pkg/config"
	"keyserver/pkg/errutil"
	"keyserver/pkg/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("authz",
	fx.Provide(NewEnforcer),
)

// NewEnforcer builds the admin route policy from ACCESS_CONTROL.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(cfg.AccessControl.Model)
	if err != nil {
		return nil, fmt.Errorf("authz: model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(cfg.AccessControl.Policy))
	if err != nil {
		return nil, fmt.Errorf("authz: enforcer: %w", err)
	}

	return e, nil
}

// Middleware allows the request when the actor's role may perform the method
// on the path. It must run after middleware.Actor.
func Middleware(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := middleware.CurrentActor(c)

		ok, err := e.Enforce(a.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("authz enforce failed", zap.String("role", a.Role), zap.Error(err))
			_ = c.Error(errutil.Internal("authorization failed", err))
			c.Abort()
			return
		}

		if !ok {
			zap.L().Warn("admin request denied",
				zap.String("actor", a.Username),
				zap.String("role", a.Role),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			)
			_ = c.Error(errutil.Forbidden("actor may not perform this action", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
