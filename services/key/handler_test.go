package key

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"keyserver/pkg/httpapi"
	"keyserver/pkg/middleware"
)

func newRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	RegisterRoutes(&httpapi.Routes{
		Engine: r,
		Public: r.Group("/api"),
		Admin:  r.Group("/api/admin", middleware.Actor()),
	}, NewHandler(f.engine, f.apps))
	return r
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestActivateEndpoint(t *testing.T) {
	f := newFixture(t)
	app := f.app(t, "Editor")
	k := f.cut(t, app.ID, 1)
	r := newRouter(t, f)

	form := url.Values{"token": {k.Token}, "machine": {"WS-01"}, "user": {"bob"}}

	w := postForm(r, "/api/activate", form)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.Equal(t, "ok", body["result"])
	require.Equal(t, "0", body["remainingActivations"])

	w = postForm(r, "/api/activate", form)
	require.Equal(t, http.StatusGone, w.Code)
	body = decode(t, w)
	require.Equal(t, "key is out of activations", body["error"])
	require.Equal(t, "contact support@editor.example", body["support_message"])

	w = postForm(r, "/api/activate", url.Values{"token": {"NOPE"}, "machine": {"m"}, "user": {"u"}, "app_id": {app.ID}})
	require.Equal(t, http.StatusNotFound, w.Code)
	body = decode(t, w)
	require.Equal(t, "invalid activation token", body["error"])
	require.Equal(t, "contact support@editor.example", body["support_message"])

	w = postForm(r, "/api/activate", url.Values{"token": {"NOPE"}, "machine": {"m"}, "user": {"u"}})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Nil(t, decode(t, w)["support_message"])

	w = postForm(r, "/api/activate", url.Values{"token": {k.Token}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActivateEndpointUnlimited(t *testing.T) {
	f := newFixture(t)
	app := f.app(t, "Editor")
	k := f.cut(t, app.ID, Unlimited)
	r := newRouter(t, f)

	w := postForm(r, "/api/activate", url.Values{"token": {k.Token}, "machine": {"m"}, "user": {"u"}, "app_id": {app.ID}})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "-1", decode(t, w)["remainingActivations"])
}

func TestCheckEndpoint(t *testing.T) {
	f := newFixture(t)
	app := f.app(t, "Editor")
	k := f.cut(t, app.ID, 2)
	r := newRouter(t, f)

	w := get(r, "/api/check?token="+k.Token+"&machine=m&user=u")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "ok", decode(t, w)["result"])

	w = get(r, "/api/check?token=NOPE&machine=m&user=u")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "invalid key", decode(t, w)["error"])

	// bound to HW-1 after activation; another machine fails the same way
	_, err := f.engine.Activate(t.Context(), app.ID, k.Token, client)
	require.NoError(t, err)

	w = get(r, "/api/check?token="+k.Token+"&machine=m&user=u&hardware_id=HW-1")
	require.Equal(t, http.StatusCreated, w.Code)

	w = get(r, "/api/check?token="+k.Token+"&machine=m&user=u&hardware_id=HW-9")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "invalid key", decode(t, w)["error"])
}

func TestAdminKeyEndpoints(t *testing.T) {
	f := newFixture(t)
	app := f.app(t, "Editor")
	r := newRouter(t, f)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderActor, "alice")
		req.Header.Set(middleware.HeaderActorRole, "admin")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/admin/keys", `{"app_id":"`+app.ID+`","activations":3,"memo":"trial"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	cut := decode(t, w)
	tok, _ := cut["token"].(string)
	id, _ := cut["id"].(string)
	require.Len(t, tok, 25)
	require.Equal(t, "active", cut["state"])

	w = do(http.MethodGet, "/api/admin/keys/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode(t, w)
	require.NotContains(t, detail, "token")
	require.Equal(t, "trial", detail["memo"])

	w = do(http.MethodPatch, "/api/admin/keys/"+id, `{"remaining":7}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(7), decode(t, w)["remaining"])

	w = do(http.MethodGet, "/api/admin/keys?app_id="+app.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["data"], 1)

	w = do(http.MethodPost, "/api/admin/keys/disable", `{"token":"`+tok+`"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(http.MethodPost, "/api/admin/keys/disable", `{"token":"UNKNOWN"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodGet, "/api/admin/keys/unknown", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodPost, "/api/admin/keys", `{"app_id":"`+app.ID+`","activations":-5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
