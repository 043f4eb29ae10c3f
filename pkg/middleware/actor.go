package middleware

import (
	"strings"

	"keyserver/pkg/actor"
	"keyserver/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActor     = "X-Actor"
	HeaderActorRole = "X-Actor-Role"
)

// Actor reads the administrator identity forwarded by the authenticating
// proxy and stores it in the request context.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader(HeaderActor))
		if username == "" {
			_ = c.Error(errutil.Unauthorized("missing actor identity", nil))
			c.Abort()
			return
		}

		a := actor.Actor{
			Username: username,
			Role:     strings.TrimSpace(c.GetHeader(HeaderActorRole)),
			IP:       c.ClientIP(),
		}
		c.Request = c.Request.WithContext(actor.WithContext(c.Request.Context(), a))
		c.Next()
	}
}

// CurrentActor returns the actor stored by Actor.
func CurrentActor(c *gin.Context) actor.Actor {
	a, _ := actor.FromContext(c.Request.Context())
	return a
}
