package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const BundleVersion = 1

// Bundle is the immutable package of a trained classifier, its fitted
// encoders and the feature layout the classifier expects. It is loaded once
// and shared read-only by every request.
type Bundle struct {
	Path              string
	Version           int
	Source            string
	Classifier        Classifier
	Ordinal           *OrdinalEncoder
	Labels            map[string]*LabelEncoder
	Target            *TargetEncoder
	OrdinalFeatures   []string
	RemainingFeatures []string
	FeatureOrder      []string
}

type bundleFile struct {
	Version           int                         `json:"version" yaml:"version"`
	Source            string                      `json:"source" yaml:"source"`
	OrdinalFeatures   []string                    `json:"ordinal_features" yaml:"ordinal_features"`
	RemainingFeatures []string                    `json:"remaining_features" yaml:"remaining_features"`
	FeatureOrder      []string                    `json:"feature_order" yaml:"feature_order"`
	OrdinalEncoder    ordinalEncoderFile          `json:"ordinal_encoder" yaml:"ordinal_encoder"`
	LabelEncoders     map[string]labelEncoderFile `json:"label_encoders" yaml:"label_encoders"`
	TargetEncoder     labelEncoderFile            `json:"target_encoder" yaml:"target_encoder"`
	Classifier        classifierFile              `json:"classifier" yaml:"classifier"`
}

type ordinalEncoderFile struct {
	Categories    [][]string `json:"categories" yaml:"categories"`
	HandleUnknown string     `json:"handle_unknown" yaml:"handle_unknown"`
	UnknownValue  *float64   `json:"unknown_value" yaml:"unknown_value"`
}

type labelEncoderFile struct {
	Classes []string `json:"classes" yaml:"classes"`
}

type classifierFile struct {
	Type      string      `json:"type" yaml:"type"`
	NFeatures int         `json:"n_features" yaml:"n_features"`
	Trees     []Tree      `json:"trees" yaml:"trees"`
	Coef      [][]float64 `json:"coef" yaml:"coef"`
	Intercept []float64   `json:"intercept" yaml:"intercept"`
	Path      string      `json:"path" yaml:"path"`
	URL       string      `json:"url" yaml:"url"`
	Timeout   string      `json:"timeout" yaml:"timeout"`
}

type loadOptions struct {
	onnxLibrary string
	logger      *zap.Logger
}

type LoadOption func(*loadOptions)

// WithONNXLibrary sets the ONNX Runtime shared library used by onnx bundles.
func WithONNXLibrary(path string) LoadOption {
	return func(o *loadOptions) {
		o.onnxLibrary = path
	}
}

func WithLogger(logger *zap.Logger) LoadOption {
	return func(o *loadOptions) {
		o.logger = logger
	}
}

// LoadBundle reads, builds and validates the bundle at path. The format is
// chosen by extension: .yaml and .yml are YAML, anything else is JSON. Loading
// is all-or-nothing; on error no classifier resources are left open.
func LoadBundle(ctx context.Context, path string, opts ...LoadOption) (*Bundle, error) {
	o := loadOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model bundle %s", path)
	}

	var f bundleFile
	if err := decodeBundle(path, data, &f); err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: %s: %v", ErrInvalidBundle, path, err))
	}

	b, err := buildBundle(ctx, f, filepath.Dir(path), o)
	if err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: %s: %v", ErrInvalidBundle, path, err))
	}
	b.Path = path

	if err := b.Validate(); err != nil {
		b.Close()
		return nil, err
	}

	o.logger.Info("Model bundle loaded",
		zap.String("path", path),
		zap.String("classifier", b.Classifier.Kind()),
		zap.Int("features", len(b.FeatureOrder)),
		zap.Strings("classes", b.Target.Classes()))

	return b, nil
}

func decodeBundle(path string, data []byte, f *bundleFile) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil {
			return err
		}
		var extra yaml.Node
		return expectEOF(dec.Decode(&extra))
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(f); err != nil {
			return err
		}
		var extra json.RawMessage
		return expectEOF(dec.Decode(&extra))
	}
}

// expectEOF turns the result of decoding past the bundle document into an
// error unless the input was exhausted.
func expectEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "malformed data after bundle document")
	}
	return errors.New("unexpected data after bundle document")
}

func buildBundle(ctx context.Context, f bundleFile, dir string, o loadOptions) (*Bundle, error) {
	if f.Version != BundleVersion {
		return nil, errors.Errorf("unsupported bundle version %d", f.Version)
	}

	target, err := NewTargetEncoder(f.TargetEncoder.Classes)
	if err != nil {
		return nil, err
	}

	unknownValue := float64(UnknownCode)
	policy := UnknownPolicy(f.OrdinalEncoder.HandleUnknown)
	if policy == UnknownUseEncodedValue {
		if f.OrdinalEncoder.UnknownValue == nil {
			return nil, errors.New("ordinal encoder uses use_encoded_value without unknown_value")
		}
		unknownValue = *f.OrdinalEncoder.UnknownValue
	}
	ordinal, err := NewOrdinalEncoder(f.OrdinalEncoder.Categories, policy, unknownValue)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]*LabelEncoder, len(f.LabelEncoders))
	for name, le := range f.LabelEncoders {
		enc, err := NewLabelEncoder(le.Classes)
		if err != nil {
			return nil, errors.Wrapf(err, "label encoder %q", name)
		}
		labels[name] = enc
	}

	clf, err := buildClassifier(ctx, f.Classifier, dir, len(f.FeatureOrder), target.Len(), o)
	if err != nil {
		return nil, errors.Wrap(err, "classifier")
	}

	return &Bundle{
		Version:           f.Version,
		Source:            f.Source,
		Classifier:        clf,
		Ordinal:           ordinal,
		Labels:            labels,
		Target:            target,
		OrdinalFeatures:   f.OrdinalFeatures,
		RemainingFeatures: f.RemainingFeatures,
		FeatureOrder:      f.FeatureOrder,
	}, nil
}

func buildClassifier(ctx context.Context, f classifierFile, dir string, nFeatures, nClasses int, o loadOptions) (Classifier, error) {
	if f.NFeatures != 0 && f.NFeatures != nFeatures {
		return nil, errors.Errorf("n_features is %d but feature_order has %d columns", f.NFeatures, nFeatures)
	}

	switch f.Type {
	case KindRandomForest, KindDecisionTree:
		if f.Type == KindDecisionTree && len(f.Trees) != 1 {
			return nil, errors.Errorf("decision_tree needs exactly one tree, got %d", len(f.Trees))
		}
		return NewForest(f.Type, f.Trees, nFeatures, nClasses)

	case KindLogisticRegression:
		clf, err := NewLogistic(f.Coef, f.Intercept)
		if err != nil {
			return nil, err
		}
		if clf.NumFeatures() != nFeatures {
			return nil, errors.Errorf("coefficients cover %d features but feature_order has %d columns",
				clf.NumFeatures(), nFeatures)
		}
		return clf, nil

	case KindONNX:
		if f.Path == "" {
			return nil, errors.New("onnx classifier needs a path")
		}
		modelPath := f.Path
		if !filepath.IsAbs(modelPath) {
			modelPath = filepath.Join(dir, modelPath)
		}
		return NewONNXClassifier(modelPath, o.onnxLibrary, nFeatures, nClasses)

	case KindRemote:
		var timeout time.Duration
		if f.Timeout != "" {
			d, err := time.ParseDuration(f.Timeout)
			if err != nil {
				return nil, errors.Wrap(err, "remote classifier timeout")
			}
			timeout = d
		}
		return NewRemoteClassifier(ctx, f.URL, timeout, nFeatures, nClasses, o.logger)

	default:
		return nil, errors.Errorf("unsupported classifier type %q", f.Type)
	}
}

// Validate checks that the declared feature lists, the encoders and the
// classifier agree with each other.
func (b *Bundle) Validate() error {
	if len(b.FeatureOrder) == 0 {
		return invalidf("feature_order is empty")
	}
	order := make(map[string]struct{}, len(b.FeatureOrder))
	for _, name := range b.FeatureOrder {
		if name == "" {
			return invalidf("feature_order has an empty column name")
		}
		if _, dup := order[name]; dup {
			return invalidf("feature_order lists %q twice", name)
		}
		order[name] = struct{}{}
	}

	if b.Ordinal == nil {
		return invalidf("ordinal encoder is missing")
	}
	if b.Ordinal.Columns() != len(b.OrdinalFeatures) {
		return invalidf("ordinal encoder has %d columns for %d ordinal features",
			b.Ordinal.Columns(), len(b.OrdinalFeatures))
	}

	categorical := make(map[string]string, len(b.OrdinalFeatures)+len(b.RemainingFeatures))
	for _, name := range b.OrdinalFeatures {
		if _, ok := order[name]; !ok {
			return invalidf("ordinal feature %q is not in feature_order", name)
		}
		if _, dup := categorical[name]; dup {
			return invalidf("ordinal feature %q is declared twice", name)
		}
		categorical[name] = "ordinal"
	}
	for _, name := range b.RemainingFeatures {
		if _, ok := order[name]; !ok {
			return invalidf("nominal feature %q is not in feature_order", name)
		}
		if kind, dup := categorical[name]; dup {
			return invalidf("nominal feature %q is already declared as %s", name, kind)
		}
		categorical[name] = "nominal"
		if _, ok := b.Labels[name]; !ok {
			return invalidf("nominal feature %q has no label encoder", name)
		}
	}

	if b.Target == nil {
		return invalidf("target encoder is missing")
	}
	if b.Classifier == nil {
		return invalidf("classifier is missing")
	}
	if n := len(b.Classifier.Classes()); n != b.Target.Len() {
		return invalidf("classifier has %d classes but target encoder has %d", n, b.Target.Len())
	}
	return nil
}

func (b *Bundle) Close() error {
	if b.Classifier == nil {
		return nil
	}
	return b.Classifier.Close()
}

// BundleInfo is the read-only description of a bundle served by the model
// info endpoint and printed by the inspect command.
type BundleInfo struct {
	Path              string              `json:"path,omitempty" yaml:"path,omitempty"`
	Version           int                 `json:"version" yaml:"version"`
	Source            string              `json:"source,omitempty" yaml:"source,omitempty"`
	Classifier        string              `json:"classifier" yaml:"classifier"`
	FeatureOrder      []string            `json:"feature_order" yaml:"feature_order"`
	OrdinalFeatures   []string            `json:"ordinal_features" yaml:"ordinal_features"`
	NominalFeatures   []string            `json:"nominal_features" yaml:"nominal_features"`
	OrdinalCategories map[string][]string `json:"ordinal_categories" yaml:"ordinal_categories"`
	NominalVocabulary map[string][]string `json:"nominal_vocabulary" yaml:"nominal_vocabulary"`
	Classes           []string            `json:"classes" yaml:"classes"`
}

func (b *Bundle) Info() BundleInfo {
	ordinalCats := make(map[string][]string, len(b.OrdinalFeatures))
	cats := b.Ordinal.Categories()
	for i, name := range b.OrdinalFeatures {
		ordinalCats[name] = cats[i]
	}

	vocab := make(map[string][]string, len(b.RemainingFeatures))
	for _, name := range b.RemainingFeatures {
		vocab[name] = b.Labels[name].Classes()
	}

	return BundleInfo{
		Path:              b.Path,
		Version:           b.Version,
		Source:            b.Source,
		Classifier:        b.Classifier.Kind(),
		FeatureOrder:      append([]string(nil), b.FeatureOrder...),
		OrdinalFeatures:   append([]string(nil), b.OrdinalFeatures...),
		NominalFeatures:   append([]string(nil), b.RemainingFeatures...),
		OrdinalCategories: ordinalCats,
		NominalVocabulary: vocab,
		Classes:           b.Target.Classes(),
	}
}

func invalidf(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf("%w: %s", ErrInvalidBundle, fmt.Sprintf(format, args...)))
}
