package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/crash-severity/server/ml"
	"github.com/san-kum/crash-severity/server/models"
)

func TestPredictor_ReferenceCrash(t *testing.T) {
	p := newTestPredictor(t)

	result, err := p.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, "Minor Injury", result.Prediction)
	assert.InDelta(t, 0.35, result.Confidence, 1e-9)
	assert.Equal(t, models.RiskLow, result.RiskLevel)
	assert.Equal(t, ColorLow, result.RiskColor)

	keys := make([]string, 0, len(result.Probabilities))
	var sum float64
	for k, v := range result.Probabilities {
		keys = append(keys, k)
		sum += v
	}
	sort.Strings(keys)
	assert.Equal(t, p.Bundle().Target.Classes(), keys)
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.3, result.Probabilities["Fatal"], 1e-9)
	assert.InDelta(t, 0.25, result.Probabilities["Severe Injury"], 1e-9)
}

func TestPredictor_Tiers(t *testing.T) {
	p := newTestPredictor(t)

	tests := []struct {
		name           string
		mutate         func(Record)
		wantPrediction string
		wantLevel      models.RiskLevel
		wantConfidence float64
	}{
		{
			name: "belted motorcyclist",
			mutate: func(r Record) {
				r[ColSeatbelt] = Text("Yes")
				r[ColVehicleType] = Text("Motorcycle")
			},
			wantPrediction: "Severe Injury",
			wantLevel:      models.RiskMedium,
			wantConfidence: 0.5,
		},
		{
			name:           "drunk driver",
			mutate:         func(r Record) { r[ColAlcoholLevel] = Number(0.2) },
			wantPrediction: "Fatal",
			wantLevel:      models.RiskHigh,
			wantConfidence: 0.65,
		},
		{
			name: "slow but over the limit",
			mutate: func(r Record) {
				r[ColCrashSpeed] = Number(50)
				r[ColAlcoholLevel] = Number(0.1)
			},
			wantPrediction: "No Injury",
			wantLevel:      models.RiskLow,
			wantConfidence: 0.4,
		},
		{
			name: "unseen vehicle encodes below every known one",
			mutate: func(r Record) {
				r[ColSeatbelt] = Text("Yes")
				r[ColVehicleType] = Text("Hovercraft")
			},
			wantPrediction: "Severe Injury",
			wantLevel:      models.RiskMedium,
			wantConfidence: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.mutate(r)

			result, err := p.Predict(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrediction, result.Prediction)
			assert.Equal(t, tt.wantLevel, result.RiskLevel)
			assert.InDelta(t, tt.wantConfidence, result.Confidence, 1e-9)
		})
	}
}

func TestPredictor_MissingDistractionIsOther(t *testing.T) {
	p := newTestPredictor(t)

	withNull := sampleRecord()
	absent := sampleRecord()
	delete(absent, ColDistraction)
	other := sampleRecord()
	other[ColDistraction] = Text(DistractionDefault)

	enc := NewEncoder(p.Bundle())
	for _, r := range []Record{withNull, absent} {
		got, err := enc.Encode(Normalize(r))
		require.NoError(t, err)
		want, err := enc.Encode(Normalize(other))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPredictor_ErrorsAreCounted(t *testing.T) {
	p := newTestPredictor(t)

	r := sampleRecord()
	delete(r, ColBrake)
	_, err := p.Predict(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFeature))

	_, err = p.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)

	stats := p.GetStats()
	assert.Equal(t, int64(2), stats.TotalPredicted)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.ByLabel["Minor Injury"])
	assert.Equal(t, int64(1), stats.ByRisk[models.RiskLow])
}

func TestPredictor_StatsAreACopy(t *testing.T) {
	p := newTestPredictor(t)
	_, err := p.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)

	stats := p.GetStats()
	stats.ByLabel["Minor Injury"] = 99

	assert.Equal(t, int64(1), p.GetStats().ByLabel["Minor Injury"])
}

func TestPredictor_Concurrent(t *testing.T) {
	p := newTestPredictor(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Predict(context.Background(), sampleRecord())
			assert.NoError(t, err)
			assert.Equal(t, "Minor Injury", result.Prediction)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(16), p.GetStats().Succeeded)
}

// stubClassifier lets tests drive the adapter with arbitrary outputs.
type stubClassifier struct {
	class int
	proba []float64
	panic bool
}

func (s *stubClassifier) Kind() string { return "stub" }
func (s *stubClassifier) Classes() []int { return []int{0, 1, 2, 3} }
func (s *stubClassifier) Close() error { return nil }

func (s *stubClassifier) Predict(ctx context.Context, x ml.FeatureVector) (int, error) {
	if s.panic {
		panic("boom")
	}
	return s.class, nil
}

func (s *stubClassifier) PredictProba(ctx context.Context, x ml.FeatureVector) ([]float64, error) {
	return s.proba, nil
}

func stubPredictor(t *testing.T, clf ml.Classifier) *Predictor {
	t.Helper()
	b := *loadTestBundle(t)
	b.Classifier = clf
	return NewPredictor(&b, zap.NewNop())
}

func TestPredictor_ClassCodeOutOfRange(t *testing.T) {
	p := stubPredictor(t, &stubClassifier{class: 7, proba: []float64{0.25, 0.25, 0.25, 0.25}})

	_, err := p.Predict(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ml.ErrUnknownClass))
}

func TestPredictor_ProbabilityLengthMismatch(t *testing.T) {
	p := stubPredictor(t, &stubClassifier{class: 0, proba: []float64{1}})

	_, err := p.Predict(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
}

func TestPredictor_RecoversPanics(t *testing.T) {
	p := stubPredictor(t, &stubClassifier{panic: true})

	_, err := p.Predict(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int64(1), p.GetStats().Failed)
}

func TestPredictor_NoRenormalization(t *testing.T) {
	p := stubPredictor(t, &stubClassifier{class: 1, proba: []float64{0.1, 0.3, 0.1, 0.1}})

	result, err := p.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, 0.3, result.Probabilities["Minor Injury"])
	assert.Equal(t, 0.3, result.Confidence)
}

// singleRunClassifier fails the test if inference is split into two calls.
type singleRunClassifier struct {
	stubClassifier
	t     *testing.T
	calls int
}

func (s *singleRunClassifier) Predict(ctx context.Context, x ml.FeatureVector) (int, error) {
	s.t.Error("Predict called instead of PredictWithProba")
	return s.stubClassifier.Predict(ctx, x)
}

func (s *singleRunClassifier) PredictProba(ctx context.Context, x ml.FeatureVector) ([]float64, error) {
	s.t.Error("PredictProba called instead of PredictWithProba")
	return s.stubClassifier.PredictProba(ctx, x)
}

func (s *singleRunClassifier) PredictWithProba(ctx context.Context, x ml.FeatureVector) (int, []float64, error) {
	s.calls++
	return s.class, s.proba, nil
}

func TestPredictor_UsesSingleInferenceRun(t *testing.T) {
	clf := &singleRunClassifier{
		stubClassifier: stubClassifier{class: 0, proba: []float64{0.8, 0.1, 0.05, 0.05}},
		t:              t,
	}
	p := stubPredictor(t, clf)

	result, err := p.Predict(context.Background(), sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, "Fatal", result.Prediction)
	assert.Equal(t, models.RiskHigh, result.RiskLevel)
	assert.Equal(t, 1, clf.calls)
}
