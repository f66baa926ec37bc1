package lodo

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/multidomain-sentiment/sentiment"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
// along on the models checkpoints: they control the run, not the model.
var ParamsExcludedFromSaving = []string{
	"train_pct", "n_epochs", "patience", "log_interval", "seed", ParamScheduleSteps,
}

// earlyStopper implements the early-stopping policy on the pooled validation
// accuracy: an epoch improves only on a strict increase over the best seen so
// far (starting at 0); training stops after `patience` consecutive
// non-improving epochs.
type earlyStopper struct {
	patience  int
	bestAcc   float64
	badEpochs int
}

// observe one epoch's validation accuracy. It returns whether the epoch
// improved (and its checkpoint should become the fold's best) and whether
// training should stop now.
func (s *earlyStopper) observe(acc float64) (improved, stop bool) {
	if acc > s.bestAcc {
		s.bestAcc = acc
		s.badEpochs = 0
		return true, false
	}
	s.badEpochs++
	return false, s.badEpochs >= s.patience
}

// TrainFold trains one fold's model on the fold's training domains, early
// stopping on the pooled validation accuracy, and keeps the best epoch's
// checkpoint in checkpointDir (any previous contents are discarded).
//
// It returns the best validation accuracy reached. If no epoch improves over
// an accuracy of 0, no checkpoint is written and the fold's evaluation fails
// with ErrMissingCheckpoint.
//
// The rng drives the fold's splits-independent randomness: dataset shuffling
// and the interleave order of the scheduler.
func TrainFold(
	backend backends.Backend,
	ctx *context.Context,
	fold *Fold,
	rng *rand.Rand,
	checkpointDir string,
	tracker *Tracker,
	paramsSet []string,
	verbosity int,
) (bestAcc float64, err error) {
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	accumulation := context.GetParamOr(ctx, "gradient_accumulation", 1)
	numEpochs := context.GetParamOr(ctx, "n_epochs", 2)
	patience := context.GetParamOr(ctx, "patience", 3)
	logInterval := context.GetParamOr(ctx, "log_interval", 1)
	maxLen := context.GetParamOr(ctx, "content_max_len", 200)

	// Fold-dependent model parameters.
	ctx.SetParam("vocab_size", fold.Registry.Vocab().Len())
	ctx.SetParam("num_domains", fold.NumSlots()+1)

	// Per-slot datasets: training splits shuffle at every epoch, validation
	// splits keep a fixed order.
	trainSlots := make([]*sentiment.Dataset, 0, fold.NumSlots())
	valSlots := make([]*sentiment.Dataset, 0, fold.NumSlots())
	for slot, domainIdx := range fold.TrainDomains {
		domain := fold.Registry.Domain(domainIdx)
		trainSlots = append(trainSlots,
			sentiment.NewDataset(domain.Name+"-train", domain, fold.TrainIndices[slot], slot, maxLen, batchSize).
				Shuffle(rng))
		valSlots = append(valSlots,
			sentiment.NewDataset(domain.Name+"-valid", domain, fold.ValIndices[slot], slot, maxLen, evalBatchSize))
	}
	trainDS := NewInterleaved("train", trainSlots, accumulation, rng)
	valLossDS := newConcatDataset("valid", valSlots)

	// The linear learning rate schedule decays to 0 at the last planned
	// optimizer step of the fold.
	ctx.SetParam(ParamScheduleSteps, trainDS.NumGroups()*numEpochs)

	// Select model graph building function.
	modelType := context.GetParamOr(ctx, "model", "transformer")
	modelFn, found := ValidModels[modelType]
	if !found {
		exceptions.Panicf("Parameter \"model\" must take one value from %v, got %q", maps.Keys(ValidModels), modelType)
	}

	// Metrics we are interested. The training batches carry an extra loss
	// weights tensor (see InterleavedDataset.Yield), which the accuracy graph
	// must not see.
	meanAccuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType,
		func(ctx *context.Context, labels, logits []*Node) *Node {
			return metrics.BinaryLogitsAccuracyGraph(ctx, labels[:1], logits)
		}, nil, 0.01)

	// Best-only checkpoint of the fold: overwritten at every improvement.
	// Leftovers from a previous run must not leak into this fold's model.
	if err = os.RemoveAll(checkpointDir); err != nil {
		return 0, errors.Wrapf(err, "failed to clear fold checkpoint directory %q", checkpointDir)
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(checkpointDir).
		Keep(1).
		ExcludeParams(append(append([]string(nil), paramsSet...), ParamsExcludedFromSaving...)...).
		Done()
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to set up checkpointing in %q", checkpointDir)
	}

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	ctxModel := ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(backend, ctxModel, modelFn,
		groupWeightedLoss,
		optimizers.FromContext(ctxModel),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 1 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Batch loss events, every logInterval accumulation groups.
	if tracker != nil && logInterval > 0 {
		train.EveryNSteps(loop, logInterval, "log batch loss", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				tracker.LogPoint(plots.Point{
					MetricName: fmt.Sprintf("%s: Train Batch Loss", fold.HeldOutName()),
					Short:      "T/#loss",
					MetricType: "loss",
					Step:       float64(loop.Trainer.GlobalStep()),
					Value:      shapes.ConvertTo[float64](stepMetrics[0].Value()),
				})
				return nil
			})
	}

	// The inference graph for validation reuses the trainer's variables, so it
	// can only be built after the first training step created them.
	var valExec *context.Exec
	stopper := &earlyStopper{patience: patience}
	for epoch := range numEpochs {
		if _, err = loop.RunEpochs(trainDS, 1); err != nil {
			return 0, errors.WithMessagef(err, "training epoch %d of fold %q failed", epoch, fold.HeldOutName())
		}

		if valExec == nil {
			valExec, err = context.NewExec(backend, ctxModel.Reuse(),
				func(ctx *context.Context, tokens, domains *Node) *Node {
					return modelFn(ctx, nil, []*Node{tokens, domains})[0]
				})
			if err != nil {
				return 0, errors.WithMessagef(err, "failed to build validation graph for fold %q", fold.HeldOutName())
			}
		}
		valLabels, valLogits, err := collectLogits(valExec, valSlots)
		if err != nil {
			return 0, errors.WithMessagef(err, "validation of fold %q failed", fold.HeldOutName())
		}
		valMetrics := ComputeBinaryMetrics(valLabels, valLogits)
		valLoss, err := evalLoss(trainer, valLossDS)
		if err != nil {
			return 0, errors.WithMessagef(err, "validation of fold %q failed", fold.HeldOutName())
		}

		improved, stop := stopper.observe(valMetrics.Accuracy)
		if verbosity >= 1 {
			fmt.Printf("Fold %q epoch %d: validation loss=%.4f, accuracy=%.4f, F1=%.4f (best accuracy=%.4f)\n",
				fold.HeldOutName(), epoch, valLoss, valMetrics.Accuracy, valMetrics.F1, stopper.bestAcc)
		}
		if improved {
			if err = checkpoint.Save(); err != nil {
				return 0, errors.WithMessagef(err, "failed to save checkpoint of fold %q", fold.HeldOutName())
			}
			if tracker != nil {
				step := float64(loop.Trainer.GlobalStep())
				domain := fold.HeldOutName()
				for _, point := range []plots.Point{
					{MetricName: domain + ": Validation Loss", Short: "V/#loss", MetricType: "loss", Step: step, Value: valLoss},
					{MetricName: domain + ": Validation Accuracy", Short: "V/#acc", MetricType: "accuracy", Step: step, Value: valMetrics.Accuracy},
					{MetricName: domain + ": Validation Precision", Short: "V/#P", MetricType: "accuracy", Step: step, Value: valMetrics.Precision},
					{MetricName: domain + ": Validation Recall", Short: "V/#R", MetricType: "accuracy", Step: step, Value: valMetrics.Recall},
					{MetricName: domain + ": Validation F1", Short: "V/#F1", MetricType: "accuracy", Step: step, Value: valMetrics.F1},
				} {
					tracker.LogPoint(point)
				}
			}
		} else if stop {
			klog.V(1).Infof("fold %q: early stop after epoch %d, no improvement for %d epochs",
				fold.HeldOutName(), epoch, stopper.badEpochs)
			break
		}
	}
	return stopper.bestAcc, nil
}

// groupWeightedLoss is the training loss: the per-example binary
// cross-entropy of the logits, scaled by the loss weights when the dataset
// yields them as an extra labels tensor. The interleaved scheduler weighs its
// groups so a partial accumulation group of k batches steps with k/g of a
// full group's gradient magnitude. Evaluation datasets carry no weights and
// get the plain mean.
func groupWeightedLoss(labels, logits []*Node) *Node {
	if len(labels) > 1 {
		weights := ConvertDType(labels[1], logits[0].DType())
		if !weights.Shape().Equal(logits[0].Shape()) {
			weights = Reshape(weights, logits[0].Shape().Dimensions...)
		}
		return losses.BinaryCrossentropyLogits([]*Node{labels[0], weights}, logits)
	}
	return losses.BinaryCrossentropyLogits(labels, logits)
}

// collectLogits runs one inference pass over the given datasets and returns
// the flattened (label, logit) pairs, in dataset order.
func collectLogits(exec *context.Exec, dss []*sentiment.Dataset) (labels []int8, logits []float64, err error) {
	for _, ds := range dss {
		ds.Reset()
		for {
			_, inputs, batchLabels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, nil, err
			}
			output, err := exec.Exec1(inputs[0], inputs[1])
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "inference on dataset %q failed", ds.Name())
			}
			tensors.MustConstFlatData[int8](batchLabels[0], func(flat []int8) {
				labels = append(labels, flat...)
			})
			tensors.MustConstFlatData[float32](output, func(flat []float32) {
				for _, logit := range flat {
					logits = append(logits, float64(logit))
				}
			})
		}
	}
	return
}

// evalLoss runs the trainer's evaluation over the dataset and returns its mean loss metric.
func evalLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	ds.Reset()
	results, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	for ii, metric := range trainer.EvalMetrics() {
		if metric.ShortName() == "#loss" {
			return shapes.ConvertTo[float64](results[ii].Value()), nil
		}
	}
	return 0, errors.Errorf("trainer has no mean loss evaluation metric")
}

// concatDataset chains several datasets into one pass, in order.
type concatDataset struct {
	name  string
	parts []train.Dataset
	cur   int
}

var _ train.Dataset = &concatDataset{}

func newConcatDataset(name string, parts []*sentiment.Dataset) *concatDataset {
	ds := &concatDataset{name: name, parts: make([]train.Dataset, len(parts))}
	for ii, part := range parts {
		ds.parts[ii] = part
	}
	return ds
}

func (ds *concatDataset) Name() string { return ds.name }

func (ds *concatDataset) Reset() {
	for _, part := range ds.parts {
		part.Reset()
	}
	ds.cur = 0
}

func (ds *concatDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	for ds.cur < len(ds.parts) {
		spec, inputs, labels, err = ds.parts[ds.cur].Yield()
		if err == io.EOF {
			ds.cur++
			continue
		}
		return
	}
	return nil, nil, nil, io.EOF
}
