package ml

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// UnknownCode is the code emitted for a nominal value outside the fitted vocabulary.
const UnknownCode = -1

type UnknownPolicy string

const (
	UnknownError           UnknownPolicy = "error"
	UnknownUseEncodedValue UnknownPolicy = "use_encoded_value"
)

// LabelEncoder maps the fitted vocabulary of one nominal feature to integer
// codes. Codes are positions in the class list.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("label encoder has no classes")
	}

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		if _, dup := index[c]; dup {
			return nil, errors.Errorf("label encoder has duplicate class %q", c)
		}
		index[c] = i
	}

	return &LabelEncoder{
		classes: append([]string(nil), classes...),
		index:   index,
	}, nil
}

// Lookup returns the code for value and whether value is part of the vocabulary.
func (e *LabelEncoder) Lookup(value string) (int, bool) {
	code, ok := e.index[value]
	if !ok {
		return UnknownCode, false
	}
	return code, true
}

func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// OrdinalEncoder encodes the ordinal features, in declaration order, to the
// rank of each value inside its category list.
type OrdinalEncoder struct {
	categories   [][]string
	index        []map[string]int
	policy       UnknownPolicy
	unknownValue float64
}

func NewOrdinalEncoder(categories [][]string, policy UnknownPolicy, unknownValue float64) (*OrdinalEncoder, error) {
	switch policy {
	case "":
		policy = UnknownError
	case UnknownError, UnknownUseEncodedValue:
	default:
		return nil, errors.Errorf("ordinal encoder has unsupported handle_unknown %q", policy)
	}

	index := make([]map[string]int, len(categories))
	for col, cats := range categories {
		if len(cats) == 0 {
			return nil, errors.Errorf("ordinal encoder column %d has no categories", col)
		}
		m := make(map[string]int, len(cats))
		for rank, c := range cats {
			if _, dup := m[c]; dup {
				return nil, errors.Errorf("ordinal encoder column %d has duplicate category %q", col, c)
			}
			m[c] = rank
		}
		index[col] = m
	}

	copied := make([][]string, len(categories))
	for i, cats := range categories {
		copied[i] = append([]string(nil), cats...)
	}

	return &OrdinalEncoder{
		categories:   copied,
		index:        index,
		policy:       policy,
		unknownValue: unknownValue,
	}, nil
}

// Transform encodes one value per ordinal column. Values outside a column's
// categories follow the encoder's unknown policy.
func (e *OrdinalEncoder) Transform(values []string) ([]float64, error) {
	if len(values) != len(e.index) {
		return nil, errors.WithStack(fmt.Errorf("%w: ordinal encoder expects %d columns, got %d",
			ErrShapeMismatch, len(e.index), len(values)))
	}

	out := make([]float64, len(values))
	for col, v := range values {
		rank, ok := e.index[col][v]
		if ok {
			out[col] = float64(rank)
			continue
		}
		if e.policy == UnknownUseEncodedValue {
			out[col] = e.unknownValue
			continue
		}
		return nil, errors.WithStack(fmt.Errorf("%w: found unknown category %q in ordinal column %d",
			ErrUnknownCategory, v, col))
	}
	return out, nil
}

func (e *OrdinalEncoder) Columns() int {
	return len(e.index)
}

func (e *OrdinalEncoder) Categories() [][]string {
	out := make([][]string, len(e.categories))
	for i, cats := range e.categories {
		out[i] = append([]string(nil), cats...)
	}
	return out
}

func (e *OrdinalEncoder) Policy() UnknownPolicy {
	return e.policy
}

// UnknownValue is only meaningful under UnknownUseEncodedValue; NaN is allowed.
func (e *OrdinalEncoder) UnknownValue() float64 {
	return e.unknownValue
}

// TargetEncoder maps class codes back to severity labels.
type TargetEncoder struct {
	classes []string
}

func NewTargetEncoder(classes []string) (*TargetEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("target encoder has no classes")
	}
	seen := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		if _, dup := seen[c]; dup {
			return nil, errors.Errorf("target encoder has duplicate class %q", c)
		}
		seen[c] = struct{}{}
	}
	return &TargetEncoder{classes: append([]string(nil), classes...)}, nil
}

func (e *TargetEncoder) Decode(code int) (string, error) {
	if code < 0 || code >= len(e.classes) {
		return "", errors.WithStack(fmt.Errorf("%w: class code %d outside [0, %d)",
			ErrUnknownClass, code, len(e.classes)))
	}
	return e.classes[code], nil
}

func (e *TargetEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

func (e *TargetEncoder) Len() int {
	return len(e.classes)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
