package model

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

const topFeatures = 10

// evaluate fills the classification metrics of m from held-out labels and
// predicted probabilities. Ratios with a zero denominator are 0.
func evaluate(m *domain.TrainingMetrics, labels, probs []float64) {
	var tn, fp, fn, tp int
	for i, p := range probs {
		predicted := p > DecisionThreshold
		actual := labels[i] == 1
		switch {
		case actual && predicted:
			tp++
		case actual:
			fn++
		case predicted:
			fp++
		default:
			tn++
		}
	}

	m.ConfusionMatrix = [2][2]int{{tn, fp}, {fn, tp}}
	m.Accuracy = ratio(tp+tn, len(labels))
	m.Precision = ratio(tp, tp+fp)
	m.Recall = ratio(tp, tp+fn)
	if m.Precision+m.Recall > 0 {
		m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.ROCAUC = rocAUC(labels, probs)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// rocAUC integrates the ROC curve with the trapezoidal rule. A set with a
// single class has no curve and scores 0.5.
func rocAUC(labels, scores []float64) float64 {
	if len(scores) == 0 {
		return 0.5
	}

	sorted := append([]float64(nil), scores...)
	inds := make([]int, len(sorted))
	floats.Argsort(sorted, inds)

	classes := make([]bool, len(sorted))
	var pos int
	for i, j := range inds {
		classes[i] = labels[j] == 1
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(classes) {
		return 0.5
	}

	tpr, fpr, _ := stat.ROC(nil, sorted, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// topImportance pairs importances with feature names, keeping the k
// largest in descending order. Equal scores keep feature order.
func topImportance(names []string, importance []float64, k int) []domain.FeatureImportance {
	out := make([]domain.FeatureImportance, 0, len(names))
	for i, name := range names {
		if i < len(importance) {
			out = append(out, domain.FeatureImportance{Feature: name, Importance: importance[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Importance > out[j].Importance
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
