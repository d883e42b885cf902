package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/san-kum/crash-severity/server/config"
	"github.com/san-kum/crash-severity/server/handlers"
	"github.com/san-kum/crash-severity/server/middleware"
	"github.com/san-kum/crash-severity/server/ml"
	"github.com/san-kum/crash-severity/server/observability"
	"github.com/san-kum/crash-severity/server/pipeline"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	bundle      *ml.Bundle
	predictor   *pipeline.Predictor
	predict     *handlers.PredictHandler
	metrics     *observability.Metrics
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

// NewServer builds the HTTP surface around an already loaded bundle. The
// caller keeps ownership of the bundle and closes it after Shutdown.
func NewServer(cfg *config.Config, bundle *ml.Bundle, logger *zap.Logger) (*Server, error) {
	if bundle == nil {
		return nil, errors.New("model bundle is required")
	}

	var metrics *observability.Metrics
	var limiterOpts []middleware.RateLimiterOption
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		limiterOpts = append(limiterOpts, middleware.OnLimited(metrics.ObserveRateLimited))
	}

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
		limiterOpts...,
	)

	predictor := pipeline.NewPredictor(bundle, logger)
	predictHandler := handlers.NewPredictHandler(predictor, metrics, logger, cfg.TraceEnabled())

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	if metrics != nil {
		router.Use(middleware.Metrics(metrics))
	}
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation(predictHandler.Reject))
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	s := &Server{
		router:      router,
		logger:      logger,
		bundle:      bundle,
		predictor:   predictor,
		predict:     predictHandler,
		metrics:     metrics,
		rateLimiter: rateLimiter,
		config:      cfg,
	}
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	health := middleware.HealthCheck(gin.H{
		"bundle_version": s.bundle.Version,
		"classifier":     s.bundle.Classifier.Kind(),
		"source":         s.bundle.Source,
	})
	stats := s.predict.GetStats(map[string]handlers.StatsSource{
		"rate_limiter": s.rateLimiter.GetGlobalStats,
	})

	s.router.GET("/", handlers.Index)
	s.router.GET("/health", health)
	s.router.POST("/predict", s.rateLimiter.RateLimit(), s.predict.Predict)

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", health)
		api.GET("/model", handlers.ModelInfo(s.bundle))

		limited := api.Group("/")
		limited.Use(s.rateLimiter.RateLimit())
		{
			limited.POST("/predict", s.predict.Predict)
			limited.GET("/stats", stats)
		}
	}

	if s.metrics != nil {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown stops background work owned by the server. It does not close
// the bundle.
func (s *Server) Shutdown() {
	if s.rateLimiter != nil {
		s.rateLimiter.Shutdown()
	}
}
