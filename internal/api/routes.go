package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	infragin "github.com/jonesrussell/curator/infrastructure/gin"
)

// SetupRoutes registers the API. metrics may be nil.
func SetupRoutes(router *gin.Engine, handler *Handler, jwtSecret string, metrics http.Handler) {
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := infragin.ProtectedGroup(router, "/api/v1", jwtSecret)
	{
		saves := v1.Group("/saves")
		saves.POST("", handler.CreateSave)
		saves.GET("", handler.ListSaves)
		saves.GET("/:id", handler.GetSave)
		saves.PATCH("/:id", handler.UpdateSave)
		saves.DELETE("/:id", handler.DeleteSave)
		saves.POST("/:id/favorite", handler.ToggleFavorite)
		saves.POST("/:id/archive", handler.ToggleArchive)
		saves.POST("/:id/view", handler.MarkViewed)
		saves.GET("/:id/job", handler.GetSaveJob)
		saves.POST("/:id/resubmit", handler.ResubmitSave)

		v1.GET("/categories", handler.CategoryCounts)

		clusters := v1.Group("/clusters")
		clusters.GET("", handler.ListClusters)
		clusters.POST("/recompute", handler.RecomputeClusters)
		clusters.GET("/:id", handler.GetCluster)
		clusters.DELETE("/:id", handler.DeleteCluster)
	}
}
