package gbdt

import (
	"math"
	"sort"
)

// binned is the quantized training matrix in feature-major order.
// For feature f, bins[f][row] counts the thresholds[f] entries that are
// <= the raw value, so a split after bin k sends x < thresholds[f][k] left.
type binned struct {
	rows       int
	bins       [][]uint8
	thresholds [][]float64
}

func quantize(X [][]float64, numFeatures, maxBins int) *binned {
	if maxBins < 2 || maxBins > 256 {
		maxBins = 256
	}
	b := &binned{
		rows:       len(X),
		bins:       make([][]uint8, numFeatures),
		thresholds: make([][]float64, numFeatures),
	}
	for f := 0; f < numFeatures; f++ {
		b.thresholds[f] = cutPoints(X, f, maxBins)
		col := make([]uint8, len(X))
		for i, row := range X {
			col[i] = uint8(binOf(b.thresholds[f], row[f]))
		}
		b.bins[f] = col
	}
	return b
}

// cutPoints returns at most maxBins-1 ascending thresholds for feature f.
// Low-cardinality features get one threshold per distinct value; the rest
// are cut at quantiles of their distinct values.
func cutPoints(X [][]float64, f, maxBins int) []float64 {
	values := make([]float64, 0, len(X))
	for _, row := range X {
		if !math.IsNaN(row[f]) {
			values = append(values, row[f])
		}
	}
	sort.Float64s(values)

	uniq := values[:0]
	for _, v := range values {
		if len(uniq) == 0 || v != uniq[len(uniq)-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) <= 1 {
		return nil
	}
	if len(uniq) <= maxBins {
		return append([]float64(nil), uniq[1:]...)
	}

	cuts := make([]float64, 0, maxBins-1)
	for k := 1; k < maxBins; k++ {
		t := uniq[k*len(uniq)/maxBins]
		if len(cuts) == 0 || t > cuts[len(cuts)-1] {
			cuts = append(cuts, t)
		}
	}
	return cuts
}

func binOf(thresholds []float64, x float64) int {
	return sort.Search(len(thresholds), func(i int) bool { return thresholds[i] > x })
}
