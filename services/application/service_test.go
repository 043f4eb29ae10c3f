package application

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyserver/pkg/actor"
	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/httpapi"
	"keyserver/pkg/middleware"
	"keyserver/services/audit"
	"keyserver/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var admin = actor.Actor{Username: "alice", Role: "admin", IP: "10.0.0.1"}

func newTestService(t *testing.T) (*Service, *audit.Service) {
	t.Helper()
	db := testutil.NewTestDB(t, &Application{}, &audit.Log{}, &audit.ChainHead{})
	node := testutil.NewNode(t)
	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node})
	return NewService(ServiceParams{DB: db, Node: node, Audit: auditSvc}), auditSvc
}

func auditEntries(t *testing.T, svc *audit.Service, appID string) []*audit.Log {
	t.Helper()
	logs, _, err := svc.List(context.Background(), audit.Filter{ApplicationID: appID}, pagination.Pagination{Limit: pagination.MaxLimit})
	require.NoError(t, err)
	return logs
}

func TestCreateApplication(t *testing.T) {
	svc, auditSvc := newTestService(t)
	msg := "Contact support@example.com"

	app, err := svc.Create(context.Background(), CreateParams{Name: "Photo Editor Pro", SupportMessage: &msg}, admin)
	require.NoError(t, err)
	require.NotEmpty(t, app.ID)
	require.Equal(t, "photo-editor-pro", app.Slug)

	logs := auditEntries(t, auditSvc, app.ID)
	require.Len(t, logs, 1)
	require.Equal(t, audit.AppCreated, logs[0].EventType)
	require.Nil(t, logs[0].KeyID)
	require.Contains(t, logs[0].Message, "alice (10.0.0.1)")

	v, err := auditSvc.VerifyChain(context.Background(), app.ID)
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestCreateApplicationRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Name: "Editor"}, admin)
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{Name: "Editor"}, admin)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	_, err = svc.Create(ctx, CreateParams{Name: "   "}, admin)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestUpdateApplicationRecordsOneEntry(t *testing.T) {
	svc, auditSvc := newTestService(t)
	ctx := context.Background()

	app, err := svc.Create(ctx, CreateParams{Name: "Editor"}, admin)
	require.NoError(t, err)

	name, msg := "Editor Plus", "mail us"
	updated, err := svc.Update(ctx, app.ID, Changes{Name: &name, SupportMessage: &msg}, admin)
	require.NoError(t, err)
	require.Equal(t, "editor-plus", updated.Slug)
	require.Equal(t, "mail us", *updated.SupportMessage)

	logs := auditEntries(t, auditSvc, app.ID)
	require.Len(t, logs, 2)
	require.Equal(t, audit.AppModified, logs[1].EventType)
	require.Contains(t, logs[1].Message, "name changed from 'Editor' to 'Editor Plus'")
	require.Contains(t, logs[1].Message, "support message changed from '' to 'mail us'")

	// identical values change nothing and log nothing
	_, err = svc.Update(ctx, app.ID, Changes{Name: &name, SupportMessage: &msg}, admin)
	require.NoError(t, err)
	require.Len(t, auditEntries(t, auditSvc, app.ID), 2)

	require.Equal(t, "mail us", svc.SupportMessage(ctx, app.ID))
}

func TestUpdateUnknownApplication(t *testing.T) {
	svc, _ := newTestService(t)
	name := "x"
	_, err := svc.Update(context.Background(), "missing", Changes{Name: &name}, admin)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	_, err = svc.Get(context.Background(), "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	require.Empty(t, svc.SupportMessage(context.Background(), "missing"))
}

func TestEmptyIDMatchesNoApplication(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Name: "Editor"}, admin)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	name := "Renamed"
	_, err = svc.Update(ctx, "", Changes{Name: &name}, admin)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	app, err := svc.Lookup(ctx, nil, "")
	require.NoError(t, err)
	require.Nil(t, app)
}

func TestNameWithoutLettersIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	existing, err := svc.Create(ctx, CreateParams{Name: "Editor"}, admin)
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{Name: "!!!"}, admin)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	name := "???"
	_, err = svc.Update(ctx, existing.ID, Changes{Name: &name}, admin)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	got, err := svc.Get(ctx, existing.ID)
	require.NoError(t, err)
	require.Equal(t, "Editor", got.Name)
}

func TestListApplicationsPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, n := range []string{"A", "B", "C"} {
		_, err := svc.Create(ctx, CreateParams{Name: n}, admin)
		require.NoError(t, err)
	}

	page, info, err := svc.List(ctx, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	rest, info, err := svc.List(ctx, pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)
}

func TestHandlerCreateAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	RegisterRoutes(&httpapi.Routes{Engine: r, Admin: r.Group("/api/admin", middleware.Actor())}, NewHandler(svc))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/applications", strings.NewReader(`{"name":"Editor"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderActor, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var view View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, "editor", view.Slug)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/applications/"+view.ID, nil)
	req.Header.Set(middleware.HeaderActor, "alice")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/applications/nope", nil)
	req.Header.Set(middleware.HeaderActor, "alice")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
