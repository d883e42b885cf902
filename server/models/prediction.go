package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// PredictRequest is the body of POST /predict. Every field is required except
// Distraction; numeric fields accept JSON numbers or numeric strings.
type PredictRequest struct {
	CrashSpeed       *Number `json:"crash_speed" validate:"required"`
	ImpactAngle      *Number `json:"impact_angle" validate:"required"`
	Airbag           *Scalar `json:"airbag" validate:"required"`
	Seatbelt         *Scalar `json:"seatbelt" validate:"required"`
	Weather          *Scalar `json:"weather" validate:"required"`
	Road             *Scalar `json:"road" validate:"required"`
	CrashType        *Scalar `json:"crash_type" validate:"required"`
	VehicleType      *Scalar `json:"vehicle_type" validate:"required"`
	VehicleAge       *Number `json:"vehicle_age" validate:"required"`
	Brake            *Scalar `json:"brake" validate:"required"`
	Tire             *Scalar `json:"tire" validate:"required"`
	DriverAge        *Number `json:"driver_age" validate:"required"`
	DriverExperience *Number `json:"driver_experience" validate:"required"`
	AlcoholLevel     *Number `json:"alcohol_level" validate:"required"`
	Distraction      *Scalar `json:"distraction"`
	TimeOfDay        *Scalar `json:"time_of_day" validate:"required"`
	Traffic          *Scalar `json:"traffic" validate:"required"`
	Visibility       *Number `json:"visibility" validate:"required"`
}

// PredictionResult is the scored outcome for one record.
type PredictionResult struct {
	Prediction    string             `json:"prediction" yaml:"prediction"`
	Probabilities map[string]float64 `json:"probabilities" yaml:"probabilities"`
	RiskLevel     RiskLevel          `json:"risk_level" yaml:"risk_level"`
	RiskColor     string             `json:"risk_color" yaml:"risk_color"`
	Confidence    float64            `json:"confidence" yaml:"confidence"`
}

type PredictResponse struct {
	Success bool `json:"success"`
	PredictionResult
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Trace   string `json:"trace,omitempty"`
}

// Number is a JSON number or a string holding one, kept verbatim until the
// caller decides whether it wants an integer or a float.
type Number struct {
	raw        string
	fromString bool
}

func NewNumber(raw string, fromString bool) Number {
	return Number{raw: raw, fromString: fromString}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n.raw, n.fromString = s, true
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return errors.Errorf("expected a number or numeric string, got %s", string(data))
	}
	n.raw, n.fromString = num.String(), false
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if n.fromString {
		return json.Marshal(n.raw)
	}
	return []byte(n.raw), nil
}

func (n Number) String() string {
	return n.raw
}

// Int parses strings strictly as base-10 integers and truncates JSON numbers
// toward zero.
func (n Number) Int() (int64, error) {
	if n.fromString {
		v, err := strconv.ParseInt(strings.TrimSpace(n.raw), 10, 64)
		if err != nil {
			return 0, errors.Errorf("invalid literal for int: %q", n.raw)
		}
		return v, nil
	}

	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return 0, errors.Errorf("number out of range for int: %s", n.raw)
	}
	return int64(f), nil
}

func (n Number) Float() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(n.raw), 64)
	if err != nil {
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return v, nil
		}
		return 0, errors.Errorf("could not convert string to float: %q", n.raw)
	}
	return v, nil
}

type ScalarKind int

const (
	ScalarString ScalarKind = iota
	ScalarNumber
	ScalarBool
)

// Scalar is a categorical field as sent by the client. Strings are the normal
// case; numbers and booleans are accepted and simply fail to match any
// category downstream.
type Scalar struct {
	Kind ScalarKind
	Str  string
	Num  float64
	Bool bool
}

func StringScalar(s string) *Scalar {
	return &Scalar{Kind: ScalarString, Str: s}
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*s = Scalar{Kind: ScalarString, Str: t}
	case float64:
		*s = Scalar{Kind: ScalarNumber, Num: t}
	case bool:
		*s = Scalar{Kind: ScalarBool, Bool: t}
	default:
		return errors.Errorf("expected a string, number or boolean, got %s", string(data))
	}
	return nil
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ScalarNumber:
		return json.Marshal(s.Num)
	case ScalarBool:
		return json.Marshal(s.Bool)
	default:
		return json.Marshal(s.Str)
	}
}

// Truthy follows the usual scripting-language notion: empty strings, zero and
// false are falsy.
func (s *Scalar) Truthy() bool {
	if s == nil {
		return false
	}
	switch s.Kind {
	case ScalarNumber:
		return s.Num != 0
	case ScalarBool:
		return s.Bool
	default:
		return s.Str != ""
	}
}
