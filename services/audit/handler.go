package audit

import (
	"net/http"

	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/httpapi"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *httpapi.Routes, h *Handler) {
	g := r.Admin.Group("/audit")
	g.GET("", h.List)
	g.GET("/verify", h.Verify)
}

type listQuery struct {
	pagination.Pagination
	Filter
}

func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	logs, info, err := h.svc.List(c.Request.Context(), q.Filter, q.Pagination)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]*View, 0, len(logs))
	for _, l := range logs {
		views = append(views, l.View())
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

// Verify checks one application's chain, or every chain without app_id.
func (h *Handler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if appID := c.Query("app_id"); appID != "" {
		v, err := h.svc.VerifyChain(ctx, appID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, v)
		return
	}

	all, err := h.svc.VerifyAll(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": all})
}
