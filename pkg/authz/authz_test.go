package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"keyserver/pkg/config"
	"keyserver/pkg/middleware"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.AccessControl.Model = config.DefaultAccessModel
	cfg.AccessControl.Policy = config.DefaultAccessPolicy

	e, err := NewEnforcer(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	admin := r.Group("/api/admin", middleware.Actor(), Middleware(e))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	admin.GET("/audit", ok)
	admin.POST("/keys", ok)
	admin.GET("/keys/:id", ok)
	return r
}

func do(r http.Handler, method, path, user, role string) int {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set(middleware.HeaderActor, user)
	}
	req.Header.Set(middleware.HeaderActorRole, role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAdminMayDoEverything(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/admin/keys", "alice", "admin"))
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/admin/audit", "alice", "admin"))
}

func TestAuditorIsReadOnly(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/admin/audit", "bob", "auditor"))
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/admin/keys/42", "bob", "auditor"))
	require.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/admin/keys", "bob", "auditor"))
}

func TestMissingActorIsUnauthorized(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/admin/audit", "", "admin"))
	require.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/admin/audit", "carol", ""))
}
