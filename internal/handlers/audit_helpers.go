package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/coordinator"
	"legalaid-chat/internal/middleware"
	"legalaid-chat/internal/store"
	"legalaid-chat/internal/transport"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDContextKey, requestID)
	return requestID
}

// statusFor maps a coordinator error onto an HTTP status.
func statusFor(err error) int {
	var se *api.StatusError
	switch {
	case errors.Is(err, composer.ErrEmptyMessage),
		errors.Is(err, composer.ErrInvalidReply),
		errors.Is(err, composer.ErrInvalidAttachment),
		errors.Is(err, coordinator.ErrInvalidProvider):
		return http.StatusBadRequest
	case errors.Is(err, composer.ErrNotSender):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrUnknownSession),
		errors.Is(err, composer.ErrUnknownMessage),
		errors.Is(err, store.ErrPendingNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		api.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoActiveSession),
		errors.Is(err, composer.ErrMessageDeleted):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed),
		errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
