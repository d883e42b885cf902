package ml

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

const leafNode = -1

// Tree is one fitted decision tree in the flat array layout scikit-learn
// exports: node i splits on Feature[i] at Threshold[i], going left when the
// value is <= the threshold. A node is a leaf when ChildrenLeft[i] == -1.
type Tree struct {
	ChildrenLeft  []int       `json:"children_left" yaml:"children_left"`
	ChildrenRight []int       `json:"children_right" yaml:"children_right"`
	Feature       []int       `json:"feature" yaml:"feature"`
	Threshold     []float64   `json:"threshold" yaml:"threshold"`
	Value         [][]float64 `json:"value" yaml:"value"`
}

// Forest averages the normalized leaf distributions of its trees. A single
// decision tree is a forest of one.
type Forest struct {
	kind      string
	nFeatures int
	nClasses  int
	trees     []Tree
}

func NewForest(kind string, trees []Tree, nFeatures, nClasses int) (*Forest, error) {
	if len(trees) == 0 {
		return nil, errors.New("forest has no trees")
	}
	if nFeatures <= 0 {
		return nil, errors.Errorf("forest needs a positive feature count, got %d", nFeatures)
	}
	if nClasses <= 0 {
		return nil, errors.Errorf("forest needs a positive class count, got %d", nClasses)
	}

	normalized := make([]Tree, len(trees))
	for i, t := range trees {
		nt, err := normalizeTree(t, nFeatures, nClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "tree %d", i)
		}
		normalized[i] = nt
	}

	return &Forest{
		kind:      kind,
		nFeatures: nFeatures,
		nClasses:  nClasses,
		trees:     normalized,
	}, nil
}

// normalizeTree validates the node arrays and rescales every leaf to a
// probability distribution.
func normalizeTree(t Tree, nFeatures, nClasses int) (Tree, error) {
	n := len(t.ChildrenLeft)
	if n == 0 {
		return Tree{}, errors.New("tree has no nodes")
	}
	if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
		return Tree{}, errors.Errorf("node arrays differ in length (left=%d right=%d feature=%d threshold=%d value=%d)",
			n, len(t.ChildrenRight), len(t.Feature), len(t.Threshold), len(t.Value))
	}

	out := Tree{
		ChildrenLeft:  append([]int(nil), t.ChildrenLeft...),
		ChildrenRight: append([]int(nil), t.ChildrenRight...),
		Feature:       append([]int(nil), t.Feature...),
		Threshold:     append([]float64(nil), t.Threshold...),
		Value:         make([][]float64, n),
	}

	for i := 0; i < n; i++ {
		left, right := t.ChildrenLeft[i], t.ChildrenRight[i]
		if left == leafNode || right == leafNode {
			if left != right {
				return Tree{}, errors.Errorf("node %d has only one child", i)
			}
			if len(t.Value[i]) != nClasses {
				return Tree{}, errors.Errorf("leaf %d has %d class weights, want %d", i, len(t.Value[i]), nClasses)
			}
			var sum float64
			for _, w := range t.Value[i] {
				if w < 0 || !isFinite(w) {
					return Tree{}, errors.Errorf("leaf %d has invalid weight %v", i, w)
				}
				sum += w
			}
			if sum == 0 {
				return Tree{}, errors.Errorf("leaf %d has zero total weight", i)
			}
			dist := make([]float64, nClasses)
			for c, w := range t.Value[i] {
				dist[c] = w / sum
			}
			out.Value[i] = dist
			continue
		}

		// Children are stored after their parent, which also rules out cycles.
		if left <= i || right <= i || left >= n || right >= n {
			return Tree{}, errors.Errorf("node %d has out-of-order children (%d, %d)", i, left, right)
		}
		if f := t.Feature[i]; f < 0 || f >= nFeatures {
			return Tree{}, errors.Errorf("node %d splits on feature %d outside [0, %d)", i, f, nFeatures)
		}
		if !isFinite(t.Threshold[i]) {
			return Tree{}, errors.Errorf("node %d has non-finite threshold", i)
		}
	}

	return out, nil
}

func (f *Forest) Kind() string {
	return f.kind
}

func (f *Forest) Classes() []int {
	return classRange(f.nClasses)
}

func (f *Forest) Trees() int {
	return len(f.trees)
}

func (f *Forest) Predict(ctx context.Context, x FeatureVector) (int, error) {
	proba, err := f.PredictProba(ctx, x)
	if err != nil {
		return 0, err
	}
	return argmax(proba), nil
}

func (f *Forest) PredictProba(ctx context.Context, x FeatureVector) ([]float64, error) {
	if len(x.Values) != f.nFeatures {
		return nil, errors.WithStack(fmt.Errorf("%w: forest expects %d features, got %d",
			ErrShapeMismatch, f.nFeatures, len(x.Values)))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	out := make([]float64, f.nClasses)
	for i := range f.trees {
		leaf := f.trees[i].leaf(x.Values)
		for c, p := range leaf {
			out[c] += p
		}
	}
	n := float64(len(f.trees))
	for c := range out {
		out[c] /= n
	}
	return out, nil
}

func (f *Forest) Close() error {
	return nil
}

func (t *Tree) leaf(x []float64) []float64 {
	node := 0
	for t.ChildrenLeft[node] != leafNode {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.ChildrenLeft[node]
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return t.Value[node]
}
