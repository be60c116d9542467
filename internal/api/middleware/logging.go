package middleware

import (
	"time"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/gin-gonic/gin"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		// Log format: [method] path?query - status (latency)
		if raw != "" {
			path = path + "?" + raw
		}

		switch {
		case statusCode >= 500:
			logger.Warnf("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		case path == "/percent":
			// Clients poll progress continuously.
			logger.Tracef("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		default:
			logger.Infof("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		}
	}
}
