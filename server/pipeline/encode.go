package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/san-kum/crash-severity/server/ml"
)

// Encoder turns a normalized record into the classifier's feature vector
// using the fitted encoders of a bundle.
type Encoder struct {
	bundle *ml.Bundle
}

func NewEncoder(bundle *ml.Bundle) *Encoder {
	return &Encoder{bundle: bundle}
}

// Encode applies the ordinal encoder to the ordinal features, the per-feature
// label encoders to the nominal features, and lays the result out in the
// bundle's feature order. Nominal values outside the fitted vocabulary, or
// not text at all, encode to ml.UnknownCode. r is not modified.
func (e *Encoder) Encode(r Record) (ml.FeatureVector, error) {
	b := e.bundle
	encoded := make(map[string]float64, len(b.FeatureOrder))

	if len(b.OrdinalFeatures) > 0 {
		values := make([]string, len(b.OrdinalFeatures))
		for i, name := range b.OrdinalFeatures {
			v, ok := r[name]
			if !ok {
				return ml.FeatureVector{}, missing(name)
			}
			values[i] = v.String()
		}
		codes, err := b.Ordinal.Transform(values)
		if err != nil {
			return ml.FeatureVector{}, err
		}
		for i, name := range b.OrdinalFeatures {
			encoded[name] = codes[i]
		}
	}

	for _, name := range b.RemainingFeatures {
		v, ok := r[name]
		if !ok {
			return ml.FeatureVector{}, missing(name)
		}
		code := ml.UnknownCode
		if s, isText := v.AsText(); isText {
			code, _ = b.Labels[name].Lookup(s)
		}
		encoded[name] = float64(code)
	}

	out := ml.FeatureVector{
		Names:  append([]string(nil), b.FeatureOrder...),
		Values: make([]float64, len(b.FeatureOrder)),
	}
	for i, name := range b.FeatureOrder {
		if f, ok := encoded[name]; ok {
			out.Values[i] = f
			continue
		}
		v, ok := r[name]
		if !ok {
			return ml.FeatureVector{}, errors.WithStack(fmt.Errorf("%w: column %q is not in the record", ErrSchemaMismatch, name))
		}
		f, isNum := v.AsNumber()
		if !isNum {
			return ml.FeatureVector{}, errors.WithStack(fmt.Errorf("%w: column %q is %s, not numeric", ErrSchemaMismatch, name, describe(v)))
		}
		out.Values[i] = f
	}
	return out, nil
}

func missing(name string) error {
	return errors.WithStack(fmt.Errorf("%w: %q", ErrMissingFeature, name))
}

func describe(v Value) string {
	switch v.Kind() {
	case KindText:
		return fmt.Sprintf("text %q", v.String())
	case KindNull:
		return "null"
	default:
		return "a number"
	}
}
