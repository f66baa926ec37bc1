package lodo

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/multidomain-sentiment/sentiment"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ErrMissingCheckpoint indicates a fold reached its evaluation stage without a
// best checkpoint: no training epoch ever improved the validation accuracy.
// The run aborts rather than scoring an untrained model.
var ErrMissingCheckpoint = errors.New("fold has no saved checkpoint")

// PredictionsFile is the name of the per-example prediction log, appended to
// by every fold of the run.
const PredictionsFile = "pred_lab.txt"

// FoldResult holds the held-out test metrics of one fold, along with the raw
// (label, logit) pairs used for the pooled micro aggregation.
type FoldResult struct {
	Domain  string
	Loss    float64
	Metrics BinaryMetrics

	Labels []int8
	Logits []float64
}

// EvaluateFold scores the held-out domain of the fold with the fold's best
// checkpoint, loaded into the given fresh context. Domain conditioning is
// disabled: the held-out domain was never seen in training.
//
// It returns ErrMissingCheckpoint (wrapped) if the fold saved no checkpoint.
//
// Every example's prediction is appended to predictionsPath as a
// "{domain}\t{pred}\t{label}" line.
func EvaluateFold(
	backend backends.Backend,
	ctx *context.Context,
	fold *Fold,
	checkpointDir string,
	predictionsPath string,
) (*FoldResult, error) {
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint of fold %q from %q",
			fold.HeldOutName(), checkpointDir)
	}
	hasCheckpoints, err := checkpoint.HasCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint of fold %q from %q",
			fold.HeldOutName(), checkpointDir)
	}
	if !hasCheckpoints {
		return nil, errors.Wrapf(ErrMissingCheckpoint, "fold %q in %q", fold.HeldOutName(), checkpointDir)
	}

	// Fold-dependent model parameters, and domain conditioning off for the
	// unseen domain. The gated embedding keeps the graph shapes unchanged, so
	// the checkpoint variables load as-is.
	ctx.SetParam("vocab_size", fold.Registry.Vocab().Len())
	ctx.SetParam("num_domains", fold.NumSlots()+1)
	ctx.SetParam(ParamUseDomain, false)

	modelType := context.GetParamOr(ctx, "model", "transformer")
	modelFn, found := ValidModels[modelType]
	if !found {
		exceptions.Panicf("Parameter \"model\" must take one value from %v, got %q", maps.Keys(ValidModels), modelType)
	}

	evalExec, err := context.NewExec(backend, ctx.In("model").Reuse(),
		func(ctx *context.Context, tokens, domains *Node) *Node {
			return modelFn(ctx, nil, []*Node{tokens, domains})[0]
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build evaluation graph for fold %q", fold.HeldOutName())
	}

	// Single pass over the whole held-out domain, tagged with the extra slot.
	batchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if batchSize <= 0 {
		batchSize = context.GetParamOr(ctx, "batch_size", 8)
	}
	maxLen := context.GetParamOr(ctx, "content_max_len", 200)
	domain := fold.Registry.Domain(fold.HeldOut)
	indices := make([]int, len(domain.Examples))
	for ii := range indices {
		indices[ii] = ii
	}
	testDS := sentiment.NewDataset(domain.Name+"-test", domain, indices, fold.HeldOutSlot(), maxLen, batchSize)

	labels, logits, err := collectLogits(evalExec, []*sentiment.Dataset{testDS})
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation of fold %q failed", fold.HeldOutName())
	}

	result := &FoldResult{
		Domain:  domain.Name,
		Loss:    BinaryCrossEntropy(labels, logits),
		Metrics: ComputeBinaryMetrics(labels, logits),
		Labels:  labels,
		Logits:  logits,
	}
	if predictionsPath != "" {
		if err := appendPredictions(predictionsPath, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// appendPredictions logs every example's prediction and label.
func appendPredictions(filePath string, result *FoldResult) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open predictions log %q", filePath)
	}
	for ii, label := range result.Labels {
		pred := 0
		if result.Logits[ii] > 0 {
			pred = 1
		}
		if _, err := fmt.Fprintf(f, "%s\t%d\t%d\n", result.Domain, pred, label); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to append to predictions log %q", filePath)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close predictions log %q", filePath)
}
