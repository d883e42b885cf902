package ml

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The ONNX fixtures are not checked in. Export a 4-feature, 4-class
// classifier with skl2onnx (zipmap=False) to testdata/classifier.onnx and
// point ONNXRUNTIME_LIB at the runtime library to run these.
const testONNXModelPath = "testdata/classifier.onnx"

func skipIfNoONNX(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat(testONNXModelPath); os.IsNotExist(err) {
		t.Skip("ONNX model not available, skipping integration test")
	}
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if lib == "" {
		t.Skip("ONNXRUNTIME_LIB not set, skipping integration test")
	}
	return lib
}

func TestONNXClassifier_Predict(t *testing.T) {
	lib := skipIfNoONNX(t)

	c, err := NewONNXClassifier(testONNXModelPath, lib, 4, 4)
	require.NoError(t, err)
	defer c.Close()

	x := FeatureVector{Values: []float64{80, 0, 2, 1}}
	proba, err := c.PredictProba(context.Background(), x)
	require.NoError(t, err)
	require.Len(t, proba, 4)

	var sum float64
	for _, p := range proba {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	class, err := c.Predict(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, argmax(proba), class)
}

func TestONNXClassifier_ShapeMismatch(t *testing.T) {
	lib := skipIfNoONNX(t)

	c, err := NewONNXClassifier(testONNXModelPath, lib, 4, 4)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Predict(context.Background(), FeatureVector{Values: []float64{1, 2}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
