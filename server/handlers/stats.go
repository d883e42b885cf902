package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/crash-severity/server/ml"
)

// StatsSource supplies extra sections for the stats endpoint, such as the
// rate limiter's global counters.
type StatsSource func() map[string]interface{}

func (h *PredictHandler) GetStats(extra map[string]StatsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		system := h.snapshot()

		var successRate, errorRate float64
		if system.TotalRequests > 0 {
			successRate = float64(system.ProcessedOK) / float64(system.TotalRequests) * 100
			errorRate = float64(system.ProcessedError) / float64(system.TotalRequests) * 100
		}

		response := gin.H{
			"system":    system,
			"predictor": h.predictor.GetStats(),
			"metrics": gin.H{
				"success_rate":   successRate,
				"error_rate":     errorRate,
				"uptime_seconds": time.Since(system.StartTime).Seconds(),
			},
		}
		for name, source := range extra {
			response[name] = source()
		}

		c.JSON(http.StatusOK, response)
	}
}

// ModelInfo describes the loaded bundle.
func ModelInfo(bundle *ml.Bundle) gin.HandlerFunc {
	info := bundle.Info()
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, info)
	}
}
