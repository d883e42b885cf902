package ml

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Logistic is a fitted logistic regression. With one coefficient row it is
// binary (the row scores class 1); otherwise it is multinomial with a softmax
// over one row per class.
type Logistic struct {
	coef      [][]float64
	intercept []float64
	nFeatures int
	nClasses  int
}

func NewLogistic(coef [][]float64, intercept []float64) (*Logistic, error) {
	if len(coef) == 0 {
		return nil, errors.New("logistic regression has no coefficients")
	}
	if len(intercept) != len(coef) {
		return nil, errors.Errorf("logistic regression has %d intercepts for %d coefficient rows",
			len(intercept), len(coef))
	}

	nFeatures := len(coef[0])
	if nFeatures == 0 {
		return nil, errors.New("logistic regression has empty coefficient rows")
	}
	rows := make([][]float64, len(coef))
	for i, row := range coef {
		if len(row) != nFeatures {
			return nil, errors.Errorf("coefficient row %d has %d values, want %d", i, len(row), nFeatures)
		}
		for _, w := range row {
			if !isFinite(w) {
				return nil, errors.Errorf("coefficient row %d has a non-finite value", i)
			}
		}
		rows[i] = append([]float64(nil), row...)
	}

	nClasses := len(coef)
	if nClasses == 1 {
		nClasses = 2
	}

	return &Logistic{
		coef:      rows,
		intercept: append([]float64(nil), intercept...),
		nFeatures: nFeatures,
		nClasses:  nClasses,
	}, nil
}

func (l *Logistic) Kind() string {
	return KindLogisticRegression
}

func (l *Logistic) Classes() []int {
	return classRange(l.nClasses)
}

func (l *Logistic) NumFeatures() int {
	return l.nFeatures
}

func (l *Logistic) Predict(ctx context.Context, x FeatureVector) (int, error) {
	proba, err := l.PredictProba(ctx, x)
	if err != nil {
		return 0, err
	}
	return argmax(proba), nil
}

func (l *Logistic) PredictProba(ctx context.Context, x FeatureVector) ([]float64, error) {
	if len(x.Values) != l.nFeatures {
		return nil, errors.WithStack(fmt.Errorf("%w: logistic regression expects %d features, got %d",
			ErrShapeMismatch, l.nFeatures, len(x.Values)))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	scores := make([]float64, len(l.coef))
	for k, row := range l.coef {
		z := l.intercept[k]
		for j, w := range row {
			z += w * x.Values[j]
		}
		scores[k] = z
	}

	if len(scores) == 1 {
		p := 1 / (1 + math.Exp(-scores[0]))
		return []float64{1 - p, p}, nil
	}
	return softmax(scores), nil
}

func (l *Logistic) Close() error {
	return nil
}

func softmax(z []float64) []float64 {
	max := z[0]
	for _, v := range z[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
