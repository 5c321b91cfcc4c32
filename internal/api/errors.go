package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/ingest"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSave):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotResubmittable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidURL),
		errors.Is(err, domain.ErrInvalidCategory),
		errors.Is(err, ingest.ErrNoteTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are
// logged with the request's logger and their detail withheld.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			logger.Component("api"),
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Error(err),
		)
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}
