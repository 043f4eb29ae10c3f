package application

import (
	"net/http"

	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/httpapi"
	"keyserver/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *httpapi.Routes, h *Handler) {
	g := r.Admin.Group("/applications")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateParams
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid application", err))
		return
	}

	app, err := h.svc.Create(c.Request.Context(), req, middleware.CurrentActor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, app.View())
}

func (h *Handler) List(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	apps, info, err := h.svc.List(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]*View, 0, len(apps))
	for _, a := range apps {
		views = append(views, a.View())
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	app, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app.View())
}

func (h *Handler) Update(c *gin.Context) {
	var req Changes
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid application changes", err))
		return
	}

	app, err := h.svc.Update(c.Request.Context(), c.Param("id"), req, middleware.CurrentActor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app.View())
}
