package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/jwt"
	"github.com/jonesrussell/curator/internal/domain"
)

// RecomputeRequest is the body of POST /clusters/recompute.
type RecomputeRequest struct {
	Category string `binding:"required" json:"category"`
}

// ListClusters handles GET /api/v1/clusters
func (h *Handler) ListClusters(c *gin.Context) {
	var category *domain.Category
	if raw := c.Query("category"); raw != "" {
		parsed, ok := domain.ParseCategory(raw)
		if !ok {
			badRequest(c, "unknown category: "+raw)
			return
		}
		category = &parsed
	}

	clusters, err := h.clusters.ListForUser(c.Request.Context(), jwt.Subject(c), category)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "total": len(clusters)})
}

// GetCluster handles GET /api/v1/clusters/:id
func (h *Handler) GetCluster(c *gin.Context) {
	detail, err := h.clusters.Get(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// DeleteCluster handles DELETE /api/v1/clusters/:id
func (h *Handler) DeleteCluster(c *gin.Context) {
	if err := h.clusters.Delete(c.Request.Context(), jwt.Subject(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RecomputeClusters handles POST /api/v1/clusters/recompute. The recompute
// runs on the cluster stream; a request while one is already queued joins it.
func (h *Handler) RecomputeClusters(c *gin.Context) {
	var req RecomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	category, ok := domain.ParseCategory(req.Category)
	if !ok {
		h.respondError(c, domain.ErrInvalidCategory)
		return
	}

	job, err := h.scheduler.EnqueueCluster(c.Request.Context(), jwt.Subject(c), category)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
