package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/repository"
)

// statusOf maps an error to the HTTP status reported to the client.
func statusOf(err error) int {
	if repository.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.KindBadRequest, domain.KindValidation, domain.KindBadRecord:
		return http.StatusBadRequest
	case domain.KindModelNotLoaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes {"error": ...} and logs server-side failures.
func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.With(logger.Fields{
			logger.FieldStatus: status,
		}).Error(c.Request.Context(), "Request failed: %v", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  domain.KindOf(err).String(),
	})
}
