// Package gbdt implements a histogram gradient boosted decision tree
// classifier for binary targets with logistic loss.
package gbdt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

var (
	// ErrFeatureCount is returned when an input row does not match the
	// booster's feature count.
	ErrFeatureCount = errors.New("gbdt: feature count mismatch")

	// ErrInvalidModel is returned by Validate for a structurally broken booster.
	ErrInvalidModel = errors.New("gbdt: invalid model")
)

// Params controls training.
type Params struct {
	MaxDepth        int     `json:"maxDepth"`
	LearningRate    float64 `json:"learningRate"`
	NumRounds       int     `json:"numRounds"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsampleByTree"`
	Lambda          float64 `json:"lambda"`
	Gamma           float64 `json:"gamma"`
	MinChildWeight  float64 `json:"minChildWeight"`

	// ScalePosWeight multiplies the gradient of positive rows.
	ScalePosWeight float64 `json:"scalePosWeight"`

	Seed    uint64 `json:"seed"`
	MaxBins int    `json:"maxBins"`
}

// DefaultParams returns the fraud classifier hyperparameters.
func DefaultParams() Params {
	return Params{
		MaxDepth:        6,
		LearningRate:    0.1,
		NumRounds:       200,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		Lambda:          1,
		Gamma:           0,
		MinChildWeight:  1,
		ScalePosWeight:  1,
		Seed:            42,
		MaxBins:         256,
	}
}

// EvalSet is an optional held-out set scored after every round.
type EvalSet struct {
	X      [][]float64
	Y      []float64
	Metric func(labels, scores []float64) float64
}

// Booster is a trained ensemble. Its exported fields are its persisted form.
type Booster struct {
	NumFeatures int     `json:"numFeatures"`
	BaseMargin  float64 `json:"baseMargin"`
	Trees       []Tree  `json:"trees"`

	// Importance is the average split gain per feature, normalized to sum to 1.
	Importance []float64 `json:"importance"`

	// EvalHistory holds the eval metric after each round when an EvalSet was given.
	EvalHistory []float64 `json:"evalHistory,omitempty"`
}

// Train fits a booster on X with labels y in {0, 1}. Training is
// deterministic for a given Params.Seed.
func Train(ctx context.Context, X [][]float64, y []float64, p Params, eval *EvalSet) (*Booster, error) {
	if len(X) == 0 {
		return nil, errors.New("gbdt: empty training set")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("gbdt: %d rows but %d labels", len(X), len(y))
	}
	numFeatures := len(X[0])
	if numFeatures == 0 {
		return nil, errors.New("gbdt: rows have no features")
	}
	for i, row := range X {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrFeatureCount, i, len(row), numFeatures)
		}
		if y[i] != 0 && y[i] != 1 {
			return nil, fmt.Errorf("gbdt: label %v at row %d is not 0 or 1", y[i], i)
		}
	}
	if eval != nil {
		if len(eval.X) != len(eval.Y) {
			return nil, fmt.Errorf("gbdt: eval set has %d rows but %d labels", len(eval.X), len(eval.Y))
		}
		for i, row := range eval.X {
			if len(row) != numFeatures {
				return nil, fmt.Errorf("%w: eval row %d has %d features, want %d", ErrFeatureCount, i, len(row), numFeatures)
			}
		}
	}
	p = p.withDefaults()

	data := quantize(X, numFeatures, p.MaxBins)
	rng := rand.New(rand.NewPCG(p.Seed, 0x6b657374))

	b := &Booster{NumFeatures: numFeatures}
	g := &grower{
		data:    data,
		grad:    make([]float64, len(X)),
		hess:    make([]float64, len(X)),
		params:  p,
		gainSum: make([]float64, numFeatures),
		splits:  make([]int, numFeatures),
	}

	margins := make([]float64, len(X))
	var evalMargins []float64
	if eval != nil {
		evalMargins = make([]float64, len(eval.X))
	}

	nCols := max(1, int(p.ColsampleByTree*float64(numFeatures)))
	rows := make([]int, 0, len(X))

	for round := 0; round < p.NumRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := range margins {
			prob := sigmoid(margins[i])
			w := 1.0
			if y[i] == 1 {
				w = p.ScalePosWeight
			}
			g.grad[i] = (prob - y[i]) * w
			g.hess[i] = max(prob*(1-prob), 1e-16) * w
		}

		rows = rows[:0]
		for i := range X {
			if p.Subsample >= 1 || rng.Float64() < p.Subsample {
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			for i := range X {
				rows = append(rows, i)
			}
		}

		g.features = rng.Perm(numFeatures)[:nCols]
		sort.Ints(g.features)

		tree := g.build(rows)
		b.Trees = append(b.Trees, tree)

		for i, row := range X {
			margins[i] += tree.predict(row)
		}
		if eval != nil {
			scores := make([]float64, len(eval.X))
			for i, row := range eval.X {
				evalMargins[i] += tree.predict(row)
				scores[i] = sigmoid(evalMargins[i])
			}
			if eval.Metric != nil {
				b.EvalHistory = append(b.EvalHistory, eval.Metric(eval.Y, scores))
			}
		}
	}

	b.Importance = normalizedImportance(g.gainSum, g.splits)
	return b, nil
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxDepth <= 0 {
		p.MaxDepth = d.MaxDepth
	}
	if p.LearningRate <= 0 {
		p.LearningRate = d.LearningRate
	}
	if p.NumRounds <= 0 {
		p.NumRounds = d.NumRounds
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		p.Subsample = 1
	}
	if p.ColsampleByTree <= 0 || p.ColsampleByTree > 1 {
		p.ColsampleByTree = 1
	}
	if p.Lambda < 0 {
		p.Lambda = 0
	}
	if p.MinChildWeight < 0 {
		p.MinChildWeight = 0
	}
	if p.ScalePosWeight <= 0 {
		p.ScalePosWeight = 1
	}
	if p.MaxBins <= 0 {
		p.MaxBins = d.MaxBins
	}
	return p
}

func normalizedImportance(gainSum []float64, splits []int) []float64 {
	out := make([]float64, len(gainSum))
	var total float64
	for f := range gainSum {
		if splits[f] > 0 {
			out[f] = gainSum[f] / float64(splits[f])
			total += out[f]
		}
	}
	if total > 0 {
		for f := range out {
			out[f] /= total
		}
	}
	return out
}

// Margin returns the raw log-odds for one row.
func (b *Booster) Margin(x []float64) (float64, error) {
	if len(x) != b.NumFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(x), b.NumFeatures)
	}
	m := b.BaseMargin
	for i := range b.Trees {
		m += b.Trees[i].predict(x)
	}
	return m, nil
}

// PredictProba returns the positive class probability for every row.
func (b *Booster) PredictProba(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		m, err := b.Margin(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = sigmoid(m)
	}
	return out, nil
}

// Validate checks that a decoded booster can be evaluated safely.
func (b *Booster) Validate() error {
	if b.NumFeatures <= 0 {
		return fmt.Errorf("%w: no features", ErrInvalidModel)
	}
	if len(b.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidModel)
	}
	if len(b.Importance) != 0 && len(b.Importance) != b.NumFeatures {
		return fmt.Errorf("%w: %d importances for %d features", ErrInvalidModel, len(b.Importance), b.NumFeatures)
	}
	for ti, t := range b.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrInvalidModel, ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			// Children are always appended after their parent, which rules out cycles.
			if n.Feature < 0 || n.Feature >= b.NumFeatures ||
				n.Left <= ni || n.Left >= len(t.Nodes) ||
				n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("%w: tree %d node %d is malformed", ErrInvalidModel, ti, ni)
			}
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
