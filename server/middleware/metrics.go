package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/crash-severity/server/observability"
)

// Metrics records request count and latency per matched route. Unmatched
// paths are folded into one label to bound cardinality.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
