package pipeline

import (
	"strconv"
)

type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
)

// Value is one cell of a raw record: null, text or a number.
type Value struct {
	kind Kind
	text string
	num  float64
}

func Null() Value {
	return Value{kind: KindNull}
}

func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsText returns the text and whether v holds text.
func (v Value) AsText() (string, bool) {
	return v.text, v.kind == KindText
}

// AsNumber returns the number and whether v holds a number.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	default:
		return "null"
	}
}

// Record is one crash keyed by canonical column name.
type Record map[string]Value

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
