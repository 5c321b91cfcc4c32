package api

import (
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/jwt"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/database"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/ingest"
)

const maxNoteRunes = 4000

// CreateSaveRequest is the body of POST /saves.
type CreateSaveRequest struct {
	URL  string `binding:"required" json:"url"`
	Note string `json:"note"`
}

// SaveResponse describes a newly recorded save.
type SaveResponse struct {
	Save           *domain.UserSave      `json:"save"`
	Content        *domain.ContentRecord `json:"content"`
	ContentCreated bool                  `json:"content_created"`
}

// SaveListResponse is one page of saves.
type SaveListResponse struct {
	Items    []domain.SaveWithContent `json:"items"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// UpdateSaveRequest patches a save. Omitted fields are unchanged.
type UpdateSaveRequest struct {
	Note      *string `json:"note"`
	Favorited *bool   `json:"is_favorited"`
	Archived  *bool   `json:"is_archived"`
}

// CreateSave handles POST /api/v1/saves
func (h *Handler) CreateSave(c *gin.Context) {
	var req CreateSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := jwt.Subject(c)
	result, err := h.ingest.Submit(c.Request.Context(), ingest.SubmitRequest{
		UserID: userID,
		URL:    req.URL,
		Note:   req.Note,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info("save created",
		logger.String("user_id", userID),
		logger.String("content_id", result.Content.ID),
		logger.Bool("content_created", result.Created),
	)
	c.JSON(http.StatusCreated, SaveResponse{
		Save:           result.Save,
		Content:        result.Content,
		ContentCreated: result.Created,
	})
}

// ListSaves handles GET /api/v1/saves
func (h *Handler) ListSaves(c *gin.Context) {
	filter := database.SaveFilter{
		IncludeArchived: c.Query("include_archived") == "true",
		Page:            atoiDefault(c.Query("page"), 1),
		PageSize:        atoiDefault(c.Query("page_size"), 0),
	}
	if raw := c.Query("category"); raw != "" {
		category, ok := domain.ParseCategory(raw)
		if !ok {
			badRequest(c, "unknown category: "+raw)
			return
		}
		filter.Category = &category
	}
	if raw := c.Query("status"); raw != "" {
		status := domain.Status(raw)
		if !status.IsValid() {
			badRequest(c, "unknown status: "+raw)
			return
		}
		filter.Status = &status
	}

	items, total, err := h.saves.ListForUser(c.Request.Context(), jwt.Subject(c), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	filter.Normalize()
	c.JSON(http.StatusOK, SaveListResponse{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

// GetSave handles GET /api/v1/saves/:id
func (h *Handler) GetSave(c *gin.Context) {
	save, err := h.saves.Get(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, save)
}

// UpdateSave handles PATCH /api/v1/saves/:id
func (h *Handler) UpdateSave(c *gin.Context) {
	var req UpdateSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Note != nil && utf8.RuneCountInString(*req.Note) > maxNoteRunes {
		h.respondError(c, ingest.ErrNoteTooLong)
		return
	}

	save, err := h.saves.Update(c.Request.Context(), jwt.Subject(c), c.Param("id"), database.SaveUpdate{
		Note:      req.Note,
		Favorited: req.Favorited,
		Archived:  req.Archived,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, save)
}

// DeleteSave handles DELETE /api/v1/saves/:id
func (h *Handler) DeleteSave(c *gin.Context) {
	if err := h.ingest.Unsave(c.Request.Context(), jwt.Subject(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleFavorite handles POST /api/v1/saves/:id/favorite
func (h *Handler) ToggleFavorite(c *gin.Context) {
	save, err := h.saves.ToggleFavorite(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, save)
}

// ToggleArchive handles POST /api/v1/saves/:id/archive
func (h *Handler) ToggleArchive(c *gin.Context) {
	save, err := h.saves.ToggleArchive(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, save)
}

// MarkViewed handles POST /api/v1/saves/:id/view
func (h *Handler) MarkViewed(c *gin.Context) {
	if err := h.saves.MarkViewed(c.Request.Context(), jwt.Subject(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSaveJob handles GET /api/v1/saves/:id/job
func (h *Handler) GetSaveJob(c *gin.Context) {
	save, err := h.saves.Get(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	job, err := h.jobs.LatestForContent(c.Request.Context(), save.ContentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ResubmitSave handles POST /api/v1/saves/:id/resubmit. Only content whose
// processing failed can be resubmitted.
func (h *Handler) ResubmitSave(c *gin.Context) {
	save, err := h.saves.Get(c.Request.Context(), jwt.Subject(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	job, err := h.scheduler.Resubmit(c.Request.Context(), save.ContentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// CategoryCounts handles GET /api/v1/categories
func (h *Handler) CategoryCounts(c *gin.Context) {
	counts, err := h.saves.CategoryCounts(c.Request.Context(), jwt.Subject(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": counts})
}

func atoiDefault(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}
