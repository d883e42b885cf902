package ml

import (
	"context"
	"errors"
)

var (
	ErrInvalidBundle   = errors.New("invalid model bundle")
	ErrShapeMismatch   = errors.New("feature shape mismatch")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownClass    = errors.New("unknown class code")
)

// Classifier kinds as they appear in the bundle file.
const (
	KindRandomForest       = "random_forest"
	KindDecisionTree       = "decision_tree"
	KindLogisticRegression = "logistic_regression"
	KindONNX               = "onnx"
	KindRemote             = "remote"
)

// FeatureVector is one fully encoded row, named in the order the classifier
// was trained on.
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Classifier is the inference capability a bundle carries. Implementations
// must be safe for concurrent use once constructed.
type Classifier interface {
	Kind() string
	// Classes returns the class codes, in the order PredictProba reports them.
	Classes() []int
	Predict(ctx context.Context, x FeatureVector) (int, error)
	PredictProba(ctx context.Context, x FeatureVector) ([]float64, error)
	Close() error
}

// ProbaPredictor is implemented by classifiers that produce the label and
// the distribution from one inference run.
type ProbaPredictor interface {
	PredictWithProba(ctx context.Context, x FeatureVector) (int, []float64, error)
}

// PredictWithProba returns the class code and distribution for x. It runs
// inference once when clf implements ProbaPredictor.
func PredictWithProba(ctx context.Context, clf Classifier, x FeatureVector) (int, []float64, error) {
	if p, ok := clf.(ProbaPredictor); ok {
		return p.PredictWithProba(ctx, x)
	}

	code, err := clf.Predict(ctx, x)
	if err != nil {
		return 0, nil, err
	}
	proba, err := clf.PredictProba(ctx, x)
	if err != nil {
		return 0, nil, err
	}
	return code, proba, nil
}

func classRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// argmax returns the first index holding the maximum.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
