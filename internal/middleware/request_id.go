package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"legalaid-chat/internal/observability"
)

// RequestIDContextKey is the gin context key holding the request id.
const RequestIDContextKey = "request_id"

// RequestID reuses X-Request-ID or generates one, echoes it on the response
// and stores it on both the gin and the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDContextKey, id)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
