package key

import (
	"errors"
	"net/http"
	"strconv"

	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/httpapi"
	"keyserver/pkg/middleware"
	"keyserver/services/application"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	engine *Engine
	apps   *application.Service
}

func NewHandler(engine *Engine, apps *application.Service) *Handler {
	return &Handler{engine: engine, apps: apps}
}

func RegisterRoutes(r *httpapi.Routes, h *Handler) {
	r.Public.POST("/activate", h.Activate)
	r.Public.GET("/check", h.Check)

	keys := r.Admin.Group("/keys")
	keys.POST("", h.Cut)
	keys.GET("", h.List)
	keys.POST("/disable", h.Disable)
	keys.GET("/:id", h.Get)
	keys.PATCH("/:id", h.Modify)
}

type ClientRequest struct {
	Token      string `form:"token" json:"token" binding:"required"`
	Machine    string `form:"machine" json:"machine" binding:"required"`
	User       string `form:"user" json:"user" binding:"required"`
	AppID      string `form:"app_id" json:"app_id"`
	HardwareID string `form:"hardware_id" json:"hardware_id"`
}

func (r ClientRequest) origin(c *gin.Context) Origin {
	return Origin{
		IP:         c.ClientIP(),
		Machine:    r.Machine,
		User:       r.User,
		HardwareID: r.HardwareID,
	}
}

type failure struct {
	Result         string  `json:"result"`
	Error          string  `json:"error"`
	SupportMessage *string `json:"support_message"`
}

func (h *Handler) failure(c *gin.Context, code int, msg, appID string) {
	body := failure{Result: "failure", Error: msg}
	if s := h.apps.SupportMessage(c.Request.Context(), appID); s != "" {
		body.SupportMessage = &s
	}
	c.JSON(code, body)
}

// Activate answers 201 with the remaining count, 404 for tokens that match
// no enabled key and 410 for exhausted keys.
func (h *Handler) Activate(c *gin.Context) {
	var req ClientRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.BadRequest("token, machine and user are required", err))
		return
	}

	ctx := c.Request.Context()
	origin := req.origin(c)

	exists, err := h.engine.KeyExists(ctx, req.AppID, req.Token, origin)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !exists {
		h.failure(c, http.StatusNotFound, "invalid activation token", req.AppID)
		return
	}

	res, err := h.engine.Activate(ctx, req.AppID, req.Token, origin)
	if err != nil {
		var ae *ActivationError
		switch {
		case errors.As(err, &ae) && errors.Is(err, ErrActivationsExhausted):
			h.failure(c, http.StatusGone, "key is out of activations", ae.ApplicationID)
		case errors.As(err, &ae):
			h.failure(c, http.StatusNotFound, "invalid activation token", ae.ApplicationID)
		default:
			_ = c.Error(err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"result":               "ok",
		"remainingActivations": strconv.Itoa(res.Remaining),
	})
}

// Check answers 201 when the token is valid. Failures are not told apart.
func (h *Handler) Check(c *gin.Context) {
	var req ClientRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("token, machine and user are required", err))
		return
	}

	ctx := c.Request.Context()
	origin := req.origin(c)

	var (
		ok  bool
		err error
	)
	if req.HardwareID != "" {
		ok, err = h.engine.KeyValid(ctx, req.AppID, req.Token, origin)
	} else {
		ok, err = h.engine.KeyExists(ctx, req.AppID, req.Token, origin)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"result": "failure", "error": "invalid key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"result": "ok"})
}

func adminError(err error) error {
	if errors.Is(err, ErrKeyNotFound) {
		return errutil.NotFound("key not found", nil)
	}
	return err
}

type cutResponse struct {
	*View
	Token string `json:"token"`
}

func (h *Handler) Cut(c *gin.Context) {
	var req CutKeyParams
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid key parameters", err))
		return
	}

	k, err := h.engine.CutKey(c.Request.Context(), req, middleware.CurrentActor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, cutResponse{View: k.View(), Token: k.Token})
}

type listQuery struct {
	pagination.Pagination
	AppID string `form:"app_id"`
}

func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	keys, info, err := h.engine.List(c.Request.Context(), q.AppID, q.Pagination)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]*View, 0, len(keys))
	for _, k := range keys {
		views = append(views, k.View())
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	k, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(adminError(err))
		return
	}
	c.JSON(http.StatusOK, k.View())
}

func (h *Handler) Modify(c *gin.Context) {
	var req KeyChanges
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid key changes", err))
		return
	}

	k, err := h.engine.ModifyKey(c.Request.Context(), c.Param("id"), req, middleware.CurrentActor(c))
	if err != nil {
		_ = c.Error(adminError(err))
		return
	}
	c.JSON(http.StatusOK, k.View())
}

type disableRequest struct {
	Token string `form:"token" json:"token" binding:"required"`
}

func (h *Handler) Disable(c *gin.Context) {
	var req disableRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.BadRequest("token is required", err))
		return
	}

	if err := h.engine.DisableKey(c.Request.Context(), req.Token, middleware.CurrentActor(c)); err != nil {
		_ = c.Error(adminError(err))
		return
	}
	c.Status(http.StatusNoContent)
}
