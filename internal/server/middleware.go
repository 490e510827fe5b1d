package server

import (
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/gin-gonic/gin"
)

// metricsMiddleware records request counts and latency labelled by route template.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
