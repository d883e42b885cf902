package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_BinaryFields(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  float64
	}{
		{"exact Yes", Text("Yes"), 1},
		{"lowercase yes", Text("yes"), 0},
		{"upper YES", Text("YES"), 0},
		{"No", Text("No"), 0},
		{"empty", Text(""), 0},
		{"padded", Text(" Yes"), 0},
		{"number one", Number(1), 0},
		{"null", Null(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalize(Record{ColAirbag: tt.value, ColSeatbelt: tt.value})

			for _, col := range []string{ColAirbag, ColSeatbelt} {
				got, ok := out[col].AsNumber()
				assert.True(t, ok, col)
				assert.Equal(t, tt.want, got, col)
			}
		})
	}
}

func TestNormalize_Distraction(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   string
	}{
		{"absent", Record{}, DistractionDefault},
		{"null", Record{ColDistraction: Null()}, DistractionDefault},
		{"empty text", Record{ColDistraction: Text("")}, DistractionDefault},
		{"kept", Record{ColDistraction: Text("High")}, "High"},
		{"unknown kept", Record{ColDistraction: Text("Phone")}, "Phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalize(tt.record)
			got, ok := out[ColDistraction].AsText()
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	in := sampleRecord()
	out := Normalize(in)

	s, ok := in[ColAirbag].AsText()
	assert.True(t, ok)
	assert.Equal(t, "Yes", s)
	assert.True(t, in[ColDistraction].IsNull())

	n, _ := out[ColAirbag].AsNumber()
	assert.Equal(t, 1.0, n)
}

func TestNormalize_LeavesOtherColumnsAlone(t *testing.T) {
	in := sampleRecord()
	out := Normalize(in)

	for _, col := range []string{ColCrashSpeed, ColWeather, ColBrake, ColAlcoholLevel, ColVisibility} {
		assert.Equal(t, in[col], out[col], col)
	}

	sparse := Normalize(Record{ColCrashSpeed: Number(10)})
	_, hasAirbag := sparse[ColAirbag]
	assert.False(t, hasAirbag)
}
