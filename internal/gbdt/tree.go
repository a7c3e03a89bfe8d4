package gbdt

import (
	"runtime"

	"github.com/sourcegraph/conc/iter"
)

// Node is one tree node. Internal nodes route x[Feature] < Threshold to
// Left and everything else, NaN included, to Right.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

// Tree is a regression tree stored as a flat node slice rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// parallelRows is the node size above which histograms are built
// concurrently across features.
const parallelRows = 4096

const minHessian = 1e-12

type split struct {
	feature int
	bin     int
	gain    float64
}

// grower builds one tree from first and second order gradients.
type grower struct {
	data     *binned
	grad     []float64
	hess     []float64
	params   Params
	features []int

	gainSum []float64
	splits  []int
}

func (g *grower) build(rows []int) Tree {
	var t Tree
	g.grow(&t, rows, 0)
	return t
}

func (g *grower) grow(t *Tree, rows []int, depth int) int {
	var G, H float64
	for _, r := range rows {
		G += g.grad[r]
		H += g.hess[r]
	}

	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{})

	best := split{feature: -1}
	if depth < g.params.MaxDepth && len(rows) >= 2 && H >= 2*g.params.MinChildWeight {
		best = g.bestSplit(rows, G, H)
	}
	if best.feature < 0 {
		t.Nodes[idx] = Node{Leaf: true, Value: -G / (H + g.params.Lambda) * g.params.LearningRate}
		return idx
	}

	g.gainSum[best.feature] += best.gain
	g.splits[best.feature]++

	col := g.data.bins[best.feature]
	cut := uint8(best.bin)
	left := make([]int, 0, len(rows)/2)
	right := make([]int, 0, len(rows)/2)
	for _, r := range rows {
		if col[r] <= cut {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := g.grow(t, left, depth+1)
	r := g.grow(t, right, depth+1)
	t.Nodes[idx] = Node{
		Feature:   best.feature,
		Threshold: g.data.thresholds[best.feature][best.bin],
		Left:      l,
		Right:     r,
	}
	return idx
}

// bestSplit scans the sampled features. Ties keep the earlier feature and
// the lower bin, so the result does not depend on scheduling.
func (g *grower) bestSplit(rows []int, G, H float64) split {
	candidates := make([]split, len(g.features))
	scan := func(i int, f *int) {
		candidates[i] = g.scanFeature(*f, rows, G, H)
	}

	if len(rows) >= parallelRows {
		it := iter.Iterator[int]{MaxGoroutines: runtime.GOMAXPROCS(0)}
		it.ForEachIdx(g.features, scan)
	} else {
		for i := range g.features {
			scan(i, &g.features[i])
		}
	}

	best := split{feature: -1}
	for _, c := range candidates {
		if c.feature >= 0 && c.gain > best.gain {
			best = c
		}
	}
	return best
}

func (g *grower) scanFeature(f int, rows []int, G, H float64) split {
	best := split{feature: -1}
	cuts := len(g.data.thresholds[f])
	if cuts == 0 {
		return best
	}

	var hg, hh [256]float64
	col := g.data.bins[f]
	for _, r := range rows {
		b := col[r]
		hg[b] += g.grad[r]
		hh[b] += g.hess[r]
	}

	lambda := g.params.Lambda
	minChild := max(g.params.MinChildWeight, minHessian)
	parent := G * G / (H + lambda)

	var gl, hl float64
	for k := 0; k < cuts; k++ {
		gl += hg[k]
		hl += hh[k]
		gr, hr := G-gl, H-hl
		if hl < minChild || hr < minChild {
			continue
		}
		gain := 0.5*(gl*gl/(hl+lambda)+gr*gr/(hr+lambda)-parent) - g.params.Gamma
		if gain > best.gain {
			best = split{feature: f, bin: k, gain: gain}
		}
	}
	return best
}
