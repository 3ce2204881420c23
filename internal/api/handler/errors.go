package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/repository"
)

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrValidationConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownRun), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError echoes the request id so a failed trigger can be found in the logs.
func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if id := logger.GetRequestID(c.Request.Context()); id != "" {
		body["request_id"] = id
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
