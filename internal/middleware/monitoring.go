package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/monitoring"
)

// HTTPMetrics HTTP 指标中间件
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		metrics.RecordHTTPRequest(
			c.Request.Method,
			c.FullPath(),
			monitoring.StatusCode(c.Writer.Status()),
			time.Since(start),
		)
	}
}
