package lodo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBinaryMetrics(t *testing.T) {
	// 2 true positives, 1 false positive, 1 false negative, 2 true negatives.
	labels := []int8{1, 1, 0, 1, 0, 0}
	logits := []float64{2.0, 0.5, 1.0, -0.5, -2.0, -1.0}
	m := ComputeBinaryMetrics(labels, logits)
	assert.InDelta(t, 4.0/6.0, m.Accuracy, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Recall, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.F1, 1e-9)

	// A zero logit counts as a negative prediction.
	m = ComputeBinaryMetrics([]int8{1}, []float64{0})
	assert.Equal(t, 0.0, m.Accuracy)

	// Degenerate cases don't divide by zero.
	m = ComputeBinaryMetrics([]int8{0, 0}, []float64{-1, -1})
	assert.Equal(t, 1.0, m.Accuracy)
	assert.Equal(t, 0.0, m.Precision)
	assert.Equal(t, 0.0, m.Recall)
	assert.Equal(t, 0.0, m.F1)
	m = ComputeBinaryMetrics(nil, nil)
	assert.Equal(t, BinaryMetrics{}, m)
}

func TestBinaryCrossEntropy(t *testing.T) {
	// -log(sigmoid(z)) for a positive label, -log(1-sigmoid(z)) for a negative.
	sigmoid := func(z float64) float64 { return 1 / (1 + math.Exp(-z)) }
	labels := []int8{1, 0, 1}
	logits := []float64{1.5, -0.3, -2.0}
	want := (-math.Log(sigmoid(1.5)) - math.Log(1-sigmoid(-0.3)) - math.Log(sigmoid(-2.0))) / 3
	assert.InDelta(t, want, BinaryCrossEntropy(labels, logits), 1e-9)

	// Large logits must not overflow.
	assert.False(t, math.IsInf(BinaryCrossEntropy([]int8{0}, []float64{1000}), 0))
	assert.False(t, math.IsNaN(BinaryCrossEntropy([]int8{1}, []float64{-1000})))
}

// syntheticFold builds a FoldResult with the given size and number of correct
// predictions, all labels positive.
func syntheticFold(domain string, n, correct int) *FoldResult {
	r := &FoldResult{Domain: domain}
	for ii := 0; ii < n; ii++ {
		r.Labels = append(r.Labels, 1)
		if ii < correct {
			r.Logits = append(r.Logits, 1.0)
		} else {
			r.Logits = append(r.Logits, -1.0)
		}
	}
	r.Metrics = ComputeBinaryMetrics(r.Labels, r.Logits)
	r.Loss = BinaryCrossEntropy(r.Labels, r.Logits)
	return r
}

func TestAggregateFoldsMicroVsMacro(t *testing.T) {
	// Fold A: 10 examples at accuracy 0.8; fold B: 90 examples at accuracy
	// 0.6. Macro averages the folds to 0.7, micro pools the examples to 0.62.
	foldA := syntheticFold("books", 10, 8)
	foldB := syntheticFold("dvd", 90, 54)
	assert.InDelta(t, 0.8, foldA.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.6, foldB.Metrics.Accuracy, 1e-9)

	agg := AggregateFolds([]*FoldResult{foldA, foldB})
	assert.InDelta(t, 0.7, agg.Macro.Accuracy, 1e-9)
	assert.InDelta(t, 0.62, agg.Micro.Accuracy, 1e-9)

	// With all-positive labels, recall equals accuracy in both aggregations.
	assert.InDelta(t, 0.7, agg.Macro.Recall, 1e-9)
	assert.InDelta(t, 0.62, agg.Micro.Recall, 1e-9)

	assert.Equal(t, Aggregated{}, AggregateFolds(nil))
}
