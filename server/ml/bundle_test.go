package ml

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBundlePath         = "testdata/bundle.json"
	testLogisticBundlePath = "testdata/bundle_logistic.yaml"
)

func loadTestBundle(t *testing.T) *Bundle {
	t.Helper()
	b, err := LoadBundle(context.Background(), testBundlePath)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// writeBundleVariant copies the forest fixture, applies mutate to its raw
// JSON form and writes the result to a temp file.
func writeBundleVariant(t *testing.T, mutate func(map[string]interface{})) string {
	t.Helper()
	data, err := os.ReadFile(testBundlePath)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	mutate(raw)

	out, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	return path
}

func TestLoadBundle_Forest(t *testing.T) {
	b := loadTestBundle(t)

	assert.Equal(t, BundleVersion, b.Version)
	assert.Equal(t, KindRandomForest, b.Classifier.Kind())
	assert.Len(t, b.FeatureOrder, 18)
	assert.Equal(t, []string{"Brake Condition", "Tire Condition", "Traffic Density"}, b.OrdinalFeatures)
	assert.Len(t, b.RemainingFeatures, 6)
	assert.Equal(t, []string{"Fatal", "Minor Injury", "No Injury", "Severe Injury"}, b.Target.Classes())
	assert.Equal(t, UnknownUseEncodedValue, b.Ordinal.Policy())
	assert.Equal(t, -1.0, b.Ordinal.UnknownValue())

	code, ok := b.Labels["Vehicle Type"].Lookup("Sedan")
	assert.True(t, ok)
	assert.Equal(t, 2, code)
}

func TestLoadBundle_LogisticYAML(t *testing.T) {
	b, err := LoadBundle(context.Background(), testLogisticBundlePath)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindLogisticRegression, b.Classifier.Kind())
	assert.Equal(t, UnknownError, b.Ordinal.Policy())
	assert.Equal(t, []string{"Crash Speed (km/h)", "Seatbelt Used", "Vehicle Type", "Brake Condition"}, b.FeatureOrder)

	// speed 100, no seatbelt, motorcycle, poor brakes
	class, err := b.Classifier.Predict(context.Background(), FeatureVector{Values: []float64{100, 0, 0, 0}})
	require.NoError(t, err)
	label, err := b.Target.Decode(class)
	require.NoError(t, err)
	assert.Equal(t, "Fatal", label)

	// speed 20, seatbelt, sedan, good brakes
	class, err = b.Classifier.Predict(context.Background(), FeatureVector{Values: []float64{20, 1, 2, 2}})
	require.NoError(t, err)
	label, err = b.Target.Decode(class)
	require.NoError(t, err)
	assert.Equal(t, "No Injury", label)
}

func TestLoadBundle_ForestProbabilities(t *testing.T) {
	b := loadTestBundle(t)

	// Feature order positions used by the fixture trees.
	x := make([]float64, len(b.FeatureOrder))
	x[0] = 80 // Crash Speed (km/h)
	x[3] = 0  // Seatbelt Used
	x[7] = 2  // Vehicle Type: Sedan
	x[13] = 0 // Alcohol Level (BAC%)

	proba, err := b.Classifier.PredictProba(context.Background(), FeatureVector{Names: b.FeatureOrder, Values: x})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.3, 0.35, 0.1, 0.25}, proba, 1e-9)

	class, err := b.Classifier.Predict(context.Background(), FeatureVector{Names: b.FeatureOrder, Values: x})
	require.NoError(t, err)
	assert.Equal(t, 1, class)
}

func TestLoadBundle_RejectsNominalOutsideFeatureOrder(t *testing.T) {
	_, err := LoadBundle(context.Background(), "testdata/bundle_bad_order.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidBundle))
	assert.Contains(t, err.Error(), "Vehicle Type")
}

func TestLoadBundle_MissingFile(t *testing.T) {
	_, err := LoadBundle(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidBundle))
}

func TestLoadBundle_InvalidVariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		wantMsg string
	}{
		{
			name:    "unknown field",
			mutate:  func(raw map[string]interface{}) { raw["pickle"] = "gASV" },
			wantMsg: "pickle",
		},
		{
			name:    "unsupported version",
			mutate:  func(raw map[string]interface{}) { raw["version"] = 2 },
			wantMsg: "version",
		},
		{
			name: "unsupported classifier",
			mutate: func(raw map[string]interface{}) {
				raw["classifier"].(map[string]interface{})["type"] = "svm"
			},
			wantMsg: "svm",
		},
		{
			name: "decision tree with two trees",
			mutate: func(raw map[string]interface{}) {
				raw["classifier"].(map[string]interface{})["type"] = KindDecisionTree
			},
			wantMsg: "exactly one tree",
		},
		{
			name: "n_features disagrees with feature order",
			mutate: func(raw map[string]interface{}) {
				raw["classifier"].(map[string]interface{})["n_features"] = 17
			},
			wantMsg: "n_features",
		},
		{
			name: "target class count differs from classifier",
			mutate: func(raw map[string]interface{}) {
				raw["target_encoder"] = map[string]interface{}{
					"classes": []string{"Fatal", "Minor Injury", "No Injury", "Severe Injury", "Unknown"},
				}
			},
			wantMsg: "class weights",
		},
		{
			name: "missing label encoder",
			mutate: func(raw map[string]interface{}) {
				delete(raw["label_encoders"].(map[string]interface{}), "Time of Day")
			},
			wantMsg: "Time of Day",
		},
		{
			name: "ordinal feature declared as nominal too",
			mutate: func(raw map[string]interface{}) {
				remaining := raw["remaining_features"].([]interface{})
				raw["remaining_features"] = append(remaining, "Brake Condition")
				raw["label_encoders"].(map[string]interface{})["Brake Condition"] = map[string]interface{}{
					"classes": []string{"Poor", "Average", "Good"},
				}
			},
			wantMsg: "already declared",
		},
		{
			name: "duplicate column",
			mutate: func(raw map[string]interface{}) {
				order := raw["feature_order"].([]interface{})
				order[1] = "Crash Speed (km/h)"
			},
			wantMsg: "twice",
		},
		{
			name: "use_encoded_value without unknown_value",
			mutate: func(raw map[string]interface{}) {
				delete(raw["ordinal_encoder"].(map[string]interface{}), "unknown_value")
			},
			wantMsg: "unknown_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeBundleVariant(t, tt.mutate)
			_, err := LoadBundle(context.Background(), path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidBundle), "got %v", err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadBundle_RejectsTrailingData(t *testing.T) {
	data, err := os.ReadFile(testBundlePath)
	require.NoError(t, err)
	yamlData, err := os.ReadFile(testLogisticBundlePath)
	require.NoError(t, err)

	tests := []struct {
		name    string
		file    string
		data    string
		wantMsg string
	}{
		{"json garbage", "bundle.json", string(data) + "\n{\"version\": 2, garbage <<<", "after bundle document"},
		{"json second document", "bundle.json", string(data) + string(data), "after bundle document"},
		{"yaml second document", "bundle.yaml", string(yamlData) + "\n---\nversion: 2\n", "after bundle document"},
		{"yaml garbage", "bundle.yaml", string(yamlData) + "\n---\n: : [\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o600))

			b, err := LoadBundle(context.Background(), path)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, errors.Is(err, ErrInvalidBundle), "got %v", err)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoadBundle_AllowsTrailingWhitespace(t *testing.T) {
	data, err := os.ReadFile(testBundlePath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, append(data, "\n\n  \t\n"...), 0o600))

	b, err := LoadBundle(context.Background(), path)
	require.NoError(t, err)
	b.Close()
}

func TestBundle_Info(t *testing.T) {
	b := loadTestBundle(t)
	info := b.Info()

	assert.Equal(t, testBundlePath, info.Path)
	assert.Equal(t, KindRandomForest, info.Classifier)
	assert.Equal(t, []string{"Poor", "Average", "Good"}, info.OrdinalCategories["Brake Condition"])
	assert.Equal(t, []string{"High", "Low", "Medium", "Other"}, info.NominalVocabulary["Distraction Level"])
	assert.Equal(t, b.FeatureOrder, info.FeatureOrder)

	// Mutating the info must not leak into the bundle.
	info.FeatureOrder[0] = "changed"
	assert.Equal(t, "Crash Speed (km/h)", b.FeatureOrder[0])
}
