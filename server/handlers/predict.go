package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/san-kum/crash-severity/server/middleware"
	"github.com/san-kum/crash-severity/server/models"
	"github.com/san-kum/crash-severity/server/observability"
	"github.com/san-kum/crash-severity/server/pipeline"
)

type PredictHandler struct {
	predictor   *pipeline.Predictor
	metrics     *observability.Metrics
	logger      *zap.Logger
	exposeTrace bool
	stats       *SystemStats
	mutex       sync.Mutex
}

type SystemStats struct {
	StartTime      time.Time `json:"start_time"`
	TotalRequests  int64     `json:"total_requests"`
	ProcessedOK    int64     `json:"processed_ok"`
	ProcessedError int64     `json:"processed_error"`
	AvgProcessTime float64   `json:"avg_process_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
}

// NewPredictHandler wires the prediction endpoint. metrics may be nil when
// metrics are disabled; exposeTrace controls the trace field of error
// responses.
func NewPredictHandler(predictor *pipeline.Predictor, metrics *observability.Metrics, logger *zap.Logger, exposeTrace bool) *PredictHandler {
	return &PredictHandler{
		predictor:   predictor,
		metrics:     metrics,
		logger:      logger,
		exposeTrace: exposeTrace,
		stats: &SystemStats{
			StartTime:   time.Now(),
			LastUpdated: time.Now(),
		},
	}
}

func (h *PredictHandler) Predict(c *gin.Context) {
	startTime := time.Now()

	var request models.PredictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.fail(c, errors.WithStack(fmt.Errorf("%w: malformed JSON body: %v", pipeline.ErrInvalidInput, err)))
		return
	}

	record, err := pipeline.RecordFromRequest(&request)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.predictor.Predict(c.Request.Context(), record)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.succeed(time.Since(startTime))
	if h.metrics != nil {
		h.metrics.ObservePrediction(result.Prediction, string(result.RiskLevel), result.Confidence)
	}

	c.JSON(http.StatusOK, models.PredictResponse{
		Success:          true,
		PredictionResult: *result,
	})
}

// Reject answers a request that middleware refused before it reached
// Predict, using the same error envelope.
func (h *PredictHandler) Reject(c *gin.Context, err error) {
	h.fail(c, errors.WithStack(fmt.Errorf("%w: %v", pipeline.ErrInvalidInput, err)))
}

// fail logs err with its stack and answers 400. Every failure of a single
// prediction is treated as a client error.
func (h *PredictHandler) fail(c *gin.Context, err error) {
	trace := fmt.Sprintf("%+v", err)

	h.logger.Error("Prediction failed",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("client_ip", c.ClientIP()),
		zap.Error(err),
		zap.String("trace", trace))

	h.mutex.Lock()
	h.stats.TotalRequests++
	h.stats.ProcessedError++
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.ObservePredictionError()
	}

	response := models.ErrorResponse{
		Success: false,
		Error:   err.Error(),
	}
	if h.exposeTrace {
		response.Trace = trace
	}
	c.JSON(http.StatusBadRequest, response)
}

func (h *PredictHandler) succeed(elapsed time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.TotalRequests++
	h.stats.ProcessedOK++

	current := float64(elapsed.Microseconds()) / 1000
	if h.stats.AvgProcessTime == 0 {
		h.stats.AvgProcessTime = current
	} else {
		alpha := 0.1
		h.stats.AvgProcessTime = alpha*current + (1-alpha)*h.stats.AvgProcessTime
	}
}

func (h *PredictHandler) snapshot() SystemStats {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.LastUpdated = time.Now()
	return *h.stats
}
