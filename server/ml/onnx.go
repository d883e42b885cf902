package ml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Output names written by skl2onnx for classifiers exported with zipmap=False.
const (
	onnxLabelOutput = "label"
	onnxProbaOutput = "probabilities"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXClassifier runs a classifier exported to ONNX through ONNX Runtime.
// The model takes one float32 input of shape [batch, nFeatures] and yields an
// int64 label and a float32 probability tensor of shape [batch, nClasses].
type ONNXClassifier struct {
	session   *ort.DynamicAdvancedSession
	inputName string
	nFeatures int64
	nClasses  int64
}

// NewONNXClassifier loads modelPath. When libPath is empty the runtime library
// is expected next to the model as libonnxruntime.so.
func NewONNXClassifier(modelPath, libPath string, nFeatures, nClasses int) (*ONNXClassifier, error) {
	if libPath == "" {
		libPath = filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	}
	if err := initORT(libPath); err != nil {
		return nil, errors.Wrap(err, "onnx: failed to initialize runtime")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrap(err, "onnx: failed to read model info")
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("onnx: expected exactly one input tensor, got %d", len(inputs))
	}
	if dims := inputs[0].Dimensions; len(dims) != 2 || (dims[1] > 0 && dims[1] != int64(nFeatures)) {
		return nil, errors.Errorf("onnx: input %q has shape %v, want [batch, %d]", inputs[0].Name, dims, nFeatures)
	}
	if err := validateOutputs(outputs); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "onnx: failed to create session options")
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(1)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{onnxLabelOutput, onnxProbaOutput},
		opts,
	)
	if err != nil {
		return nil, errors.Wrap(err, "onnx: failed to create session")
	}

	return &ONNXClassifier{
		session:   session,
		inputName: inputs[0].Name,
		nFeatures: int64(nFeatures),
		nClasses:  int64(nClasses),
	}, nil
}

// validateOutputs rejects models exported with a ZipMap probability output,
// which is a sequence of maps rather than a tensor.
func validateOutputs(outputs []ort.InputOutputInfo) error {
	found := make(map[string]ort.InputOutputInfo, len(outputs))
	for _, o := range outputs {
		found[o.Name] = o
	}
	for _, name := range []string{onnxLabelOutput, onnxProbaOutput} {
		o, ok := found[name]
		if !ok {
			return errors.Errorf("onnx: model missing required output %q", name)
		}
		if o.OrtValueType != ort.ONNXTypeTensor {
			return errors.Errorf("onnx: output %q is %v, not a tensor; export with zipmap=False", name, o.OrtValueType)
		}
	}
	return nil
}

func (c *ONNXClassifier) Kind() string {
	return KindONNX
}

func (c *ONNXClassifier) Classes() []int {
	return classRange(int(c.nClasses))
}

func (c *ONNXClassifier) Predict(ctx context.Context, x FeatureVector) (int, error) {
	label, _, err := c.infer(ctx, x)
	if err != nil {
		return 0, err
	}
	return label, nil
}

func (c *ONNXClassifier) PredictProba(ctx context.Context, x FeatureVector) ([]float64, error) {
	_, proba, err := c.infer(ctx, x)
	if err != nil {
		return nil, err
	}
	return proba, nil
}

func (c *ONNXClassifier) PredictWithProba(ctx context.Context, x FeatureVector) (int, []float64, error) {
	return c.infer(ctx, x)
}

func (c *ONNXClassifier) infer(ctx context.Context, x FeatureVector) (int, []float64, error) {
	if int64(len(x.Values)) != c.nFeatures {
		return 0, nil, errors.WithStack(fmt.Errorf("%w: onnx model expects %d features, got %d",
			ErrShapeMismatch, c.nFeatures, len(x.Values)))
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, errors.WithStack(err)
	}

	in := make([]float32, len(x.Values))
	for i, v := range x.Values {
		in[i] = float32(v)
	}

	tIn, err := ort.NewTensor(ort.NewShape(1, c.nFeatures), in)
	if err != nil {
		return 0, nil, errors.Wrap(err, "onnx: failed to create input tensor")
	}
	defer tIn.Destroy()

	tLabel, err := ort.NewEmptyTensor[int64](ort.NewShape(1))
	if err != nil {
		return 0, nil, errors.Wrap(err, "onnx: failed to create label tensor")
	}
	defer tLabel.Destroy()

	tProba, err := ort.NewEmptyTensor[float32](ort.NewShape(1, c.nClasses))
	if err != nil {
		return 0, nil, errors.Wrap(err, "onnx: failed to create probability tensor")
	}
	defer tProba.Destroy()

	if err := c.session.Run([]ort.Value{tIn}, []ort.Value{tLabel, tProba}); err != nil {
		return 0, nil, errors.Wrap(err, "onnx: inference failed")
	}

	// Copy data out before the tensors are destroyed.
	src := tProba.GetData()
	proba := make([]float64, len(src))
	for i, p := range src {
		proba[i] = float64(p)
	}
	return int(tLabel.GetData()[0]), proba, nil
}

func (c *ONNXClassifier) Close() error {
	return c.session.Destroy()
}
