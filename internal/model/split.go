package model

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// stratifiedSplit partitions row indices so that each class keeps its
// share in both partitions. Each class gives round(frac*n) rows to the
// test side, clamped so that both sides see the class. The same seed
// always yields the same split.
func stratifiedSplit(labels []float64, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, domain.NewError(domain.KindValidation, "test fraction %v must be in (0, 1)", testFraction)
	}

	var byClass [2][]int
	for i, y := range labels {
		byClass[int(y)] = append(byClass[int(y)], i)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), 0x73706c6974))
	for class, rows := range byClass {
		n := len(rows)
		if n < 2 {
			return nil, nil, domain.NewError(domain.KindValidation,
				"class %d has %d samples, at least 2 are needed for a stratified split", class, n)
		}
		rng.Shuffle(n, func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

		nTest := int(math.Round(testFraction * float64(n)))
		nTest = min(max(nTest, 1), n-1)
		test = append(test, rows[:nTest]...)
		train = append(train, rows[nTest:]...)
	}

	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}

func gather(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for i, j := range idx {
		xs[i] = X[j]
		ys[i] = y[j]
	}
	return xs, ys
}
