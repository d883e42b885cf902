package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/san-kum/crash-severity/server/ml"
	"github.com/san-kum/crash-severity/server/models"
)

// Predictor scores raw records against a loaded bundle. It is safe for
// concurrent use; the bundle is only ever read.
type Predictor struct {
	bundle  *ml.Bundle
	encoder *Encoder
	logger  *zap.Logger
	stats   *PredictorStats
	mutex   sync.RWMutex
}

type PredictorStats struct {
	StartTime      time.Time                  `json:"start_time"`
	TotalPredicted int64                      `json:"total_predicted"`
	Succeeded      int64                      `json:"succeeded"`
	Failed         int64                      `json:"failed"`
	AverageLatency float64                    `json:"average_latency_ms"`
	ByLabel        map[string]int64           `json:"by_label"`
	ByRisk         map[models.RiskLevel]int64 `json:"by_risk"`
}

func NewPredictor(bundle *ml.Bundle, logger *zap.Logger) *Predictor {
	return &Predictor{
		bundle:  bundle,
		encoder: NewEncoder(bundle),
		logger:  logger,
		stats: &PredictorStats{
			StartTime: time.Now(),
			ByLabel:   make(map[string]int64),
			ByRisk:    make(map[models.RiskLevel]int64),
		},
	}
}

func (p *Predictor) Bundle() *ml.Bundle {
	return p.bundle
}

// Predict normalizes and encodes r, runs the classifier and derives the risk
// tier. A panic anywhere in the pipeline comes back as an error.
func (p *Predictor) Predict(ctx context.Context, r Record) (result *models.PredictionResult, err error) {
	startTime := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("Prediction panic", zap.Any("panic", rec))
			result, err = nil, errors.Errorf("prediction failed: %v", rec)
		}
		p.record(result, err, time.Since(startTime))
	}()

	return p.predict(ctx, r)
}

func (p *Predictor) predict(ctx context.Context, r Record) (*models.PredictionResult, error) {
	x, err := p.encoder.Encode(Normalize(r))
	if err != nil {
		return nil, err
	}

	code, proba, err := ml.PredictWithProba(ctx, p.bundle.Classifier, x)
	if err != nil {
		return nil, err
	}

	label, err := p.bundle.Target.Decode(code)
	if err != nil {
		return nil, err
	}

	classes := p.bundle.Target.Classes()
	if len(proba) != len(classes) {
		return nil, errors.WithStack(fmt.Errorf("%w: classifier returned %d probabilities for %d classes",
			ErrSchemaMismatch, len(proba), len(classes)))
	}

	probabilities := make(map[string]float64, len(classes))
	confidence := proba[0]
	for i, class := range classes {
		probabilities[class] = proba[i]
		if proba[i] > confidence {
			confidence = proba[i]
		}
	}

	level, color := AssessRisk(label, confidence)

	p.logger.Debug("Prediction completed",
		zap.String("prediction", label),
		zap.Float64("confidence", confidence),
		zap.String("risk_level", string(level)))

	return &models.PredictionResult{
		Prediction:    label,
		Probabilities: probabilities,
		RiskLevel:     level,
		RiskColor:     color,
		Confidence:    confidence,
	}, nil
}

func (p *Predictor) record(result *models.PredictionResult, err error, latency time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stats.TotalPredicted++
	if err != nil {
		p.stats.Failed++
		return
	}
	p.stats.Succeeded++
	p.stats.ByLabel[result.Prediction]++
	p.stats.ByRisk[result.RiskLevel]++

	current := float64(latency.Microseconds()) / 1000
	if p.stats.AverageLatency == 0 {
		p.stats.AverageLatency = current
	} else {
		alpha := 0.1
		p.stats.AverageLatency = alpha*current + (1-alpha)*p.stats.AverageLatency
	}
}

func (p *Predictor) GetStats() *PredictorStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := *p.stats
	stats.ByLabel = make(map[string]int64, len(p.stats.ByLabel))
	for k, v := range p.stats.ByLabel {
		stats.ByLabel[k] = v
	}
	stats.ByRisk = make(map[models.RiskLevel]int64, len(p.stats.ByRisk))
	for k, v := range p.stats.ByRisk {
		stats.ByRisk[k] = v
	}
	return &stats
}
