package middleware

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/response"
)

// Recovery turns a handler panic into a logged 500 envelope. gin's own
// recovery output is discarded so the panic is logged once, through zap.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.FromContext(c.Request.Context()).Error("Handler panicked",
			zap.Any("panic", recovered),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Stack("stack"))

		response.FromError(c, apperrors.InternalError("Internal server error"))
		c.Abort()
	})
}

// DegradedReporter is implemented by dependencies that can run degraded
type DegradedReporter interface {
	IsDegraded() bool
}

// HealthCheck serves /health. A degraded Redis still answers 200, since call
// commands keep working against the session store; only presence suffers.
func HealthCheck(serviceName string, redis DegradedReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		if redis != nil && redis.IsDegraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": serviceName,
		})
	}
}
