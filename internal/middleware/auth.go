package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"healthsync-chat/internal/observability"
)

const (
	// UserIDKey is the gin context key holding the caller's user id.
	UserIDKey = "userID"
	// RequestIDKey is the gin context key holding the request id.
	RequestIDKey = "request_id"

	userIDHeader = "X-User-ID"
)

// IdentityMiddleware trusts the user id forwarded by the upstream auth gateway.
// Token validation happens at the gateway, not here.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// RequestID stores a request id in the context and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}
