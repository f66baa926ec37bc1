package lodo

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// BinaryMetrics are host-side classification metrics over (label, logit)
// pairs, with the prediction taken as logit > 0. Precision, recall and F1 are
// for the positive class and are 0 when undefined (no positive predictions or
// no positive labels).
type BinaryMetrics struct {
	Accuracy, Precision, Recall, F1 float64
}

// ComputeBinaryMetrics calculates the metrics for the given labels (0 or 1)
// and logits, which must have the same length.
func ComputeBinaryMetrics(labels []int8, logits []float64) BinaryMetrics {
	var truePos, falsePos, falseNeg, correct float64
	for ii, label := range labels {
		pred := logits[ii] > 0
		switch {
		case pred && label == 1:
			truePos++
			correct++
		case pred && label == 0:
			falsePos++
		case !pred && label == 1:
			falseNeg++
		default:
			correct++
		}
	}
	var m BinaryMetrics
	if len(labels) == 0 {
		return m
	}
	m.Accuracy = correct / float64(len(labels))
	if truePos+falsePos > 0 {
		m.Precision = truePos / (truePos + falsePos)
	}
	if truePos+falseNeg > 0 {
		m.Recall = truePos / (truePos + falseNeg)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// BinaryCrossEntropy returns the mean binary cross-entropy of the logits
// against the labels, computed in a numerically stable form.
func BinaryCrossEntropy(labels []int8, logits []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	var sum float64
	for ii, label := range labels {
		z := logits[ii]
		// max(z,0) - z*y + log(1+exp(-|z|))
		sum += math.Max(z, 0) - z*float64(label) + math.Log1p(math.Exp(-math.Abs(z)))
	}
	return sum / float64(len(labels))
}

// Aggregated holds the cross-fold summary metrics: Micro is recomputed over
// the pooled (label, logit) pairs of all folds, weighting every example
// equally; Macro is the unweighted mean of the per-fold metrics, weighting
// every domain equally. The two diverge when domain sizes are imbalanced, and
// both are reported.
type Aggregated struct {
	Micro, Macro BinaryMetrics

	// Loss is the mean of the per-fold test losses.
	Loss float64
}

// AggregateFolds computes the cross-fold summary from the per-fold results.
func AggregateFolds(folds []*FoldResult) Aggregated {
	var agg Aggregated
	if len(folds) == 0 {
		return agg
	}

	var labels []int8
	var logits []float64
	accs := make([]float64, len(folds))
	precisions := make([]float64, len(folds))
	recalls := make([]float64, len(folds))
	f1s := make([]float64, len(folds))
	losses := make([]float64, len(folds))
	for ii, fold := range folds {
		labels = append(labels, fold.Labels...)
		logits = append(logits, fold.Logits...)
		accs[ii] = fold.Metrics.Accuracy
		precisions[ii] = fold.Metrics.Precision
		recalls[ii] = fold.Metrics.Recall
		f1s[ii] = fold.Metrics.F1
		losses[ii] = fold.Loss
	}
	agg.Micro = ComputeBinaryMetrics(labels, logits)
	agg.Macro = BinaryMetrics{
		Accuracy:  stat.Mean(accs, nil),
		Precision: stat.Mean(precisions, nil),
		Recall:    stat.Mean(recalls, nil),
		F1:        stat.Mean(f1s, nil),
	}
	agg.Loss = stat.Mean(losses, nil)
	return agg
}
