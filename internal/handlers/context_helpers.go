package handlers

import (
	"github.com/gin-gonic/gin"

	"healthsync-chat/internal/middleware"
	"healthsync-chat/internal/observability"
	"healthsync-chat/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	requestID := observability.RequestIDFromRequest(c.Request)
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func eventMeta(c *gin.Context) telemetry.EventMeta {
	return telemetry.EventMeta{
		RequestID: requestIDFromContext(c),
		TraceID:   observability.TraceIDFromContext(c.Request.Context()),
		UserID:    userIDFromContext(c),
	}
}
