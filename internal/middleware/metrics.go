package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxypal/proxypal/internal/telemetry"
)

// Metrics records the request counter and latency histogram for every request.
// The path label uses c.FullPath(), the matched route template, so
// user-supplied path segments never inflate label cardinality; requests that
// match no route are folded into the literal "<no-route>".
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
