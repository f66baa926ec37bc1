package lodo

import (
	"fmt"
	"math/rand"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/multidomain-sentiment/sentiment"
	"k8s.io/klog/v2"
)

// CreateDefaultContext sets the context with default hyperparameters to use with Run.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Model type to use
		"model": "transformer", // One of the listed in ValidModels: the user can also inject (in ValidModels) new custom models.

		// Cross-validation and training schedule.
		"seed":                  1000,
		"train_pct":             0.8, // Fraction of each training domain used for training, the rest validates.
		"n_epochs":              2,   // Maximum training epochs per fold.
		"patience":              3,   // Consecutive non-improving epochs before early stop.
		"log_interval":          1,   // Log the training loss every this many optimizer steps.
		"batch_size":            8,
		"eval_batch_size":       200, // eval_batch_size can be larger than training, it's more efficient.
		"gradient_accumulation": 1,   // Batches per optimizer step; a step never mixes domains.

		// Linear learning rate schedule: the decay horizon is set per fold.
		ParamWarmupSteps:   200,
		ParamScheduleSteps: 0,

		// Sentiment corpus parameters.
		"content_max_len":       200,    // Maximum number of tokens to take from observation, per example.
		"max_vocab":             20_000, // Top most frequent words to consider, the rest is considered unknown.
		"token_embedding_size":  32,     // Size of token embedding table.
		"domain_embedding_size": 8,      // Size of the domain (slot) embedding table.
		ParamUseDomain:          true,

		layers.ParamNormalization: "layer",

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    3e-5,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		optimizers.ParamAdamWeightDecay: 0.01,
		activations.ParamActivation:     "",
		layers.ParamDropoutRate:         0.1,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,

		// FNN readout parameters:
		fnn.ParamNumHiddenLayers: 2,
		fnn.ParamNumHiddenNodes:  32,
		fnn.ParamResidual:        true,
		fnn.ParamNormalization:   "",  // Set to "none" for no normalization. If "" it falls back to layers.ParamNormalization.
		fnn.ParamDropoutRate:     0.3, // Set to 0.0 for no dropout. If < 0 it falls back to layers.ParamDropoutRate.

		// Transformers
		"transformer_num_att_heads":  2,    // Number of attention heads, if --model=transformer.
		"transformer_num_att_layers": 1,    // Number of stacked attention layers, if --model=transformer.
		"transformer_att_key_size":   8,    // Dimension of the Key/Query attention embedding.
		"transformer_dropout_rate":   -1.0, // Set to 0.0 for no dropout. If < 0 it falls back to layers.ParamDropoutRate.
	})
	return ctx
}

// Run executes the full leave-one-domain-out cross-validation: one fold per
// domain, strictly in sequence, followed by the micro/macro aggregation and
// the run summary.
//
// ctxBuilder must return a freshly built context with the run's
// hyperparameters (defaults plus command-line settings): every fold trains a
// new model from scratch, and its evaluation reloads the best checkpoint into
// another fresh context.
//
// If indicesDir is not empty, the train/validation splits are reloaded from
// index files saved by a previous run instead of drawn fresh. Any error --
// missing checkpoint, malformed index files, IO -- aborts the whole run, no
// fold is skipped.
func Run(ctxBuilder func() *context.Context, dataDir, outputDir, indicesDir string, domainNames []string, paramsSet []string, verbosity int) error {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	outputDir = fsutil.MustReplaceTildeInDir(outputDir)

	reg, err := sentiment.Load(dataDir, domainNames)
	if err != nil {
		return err
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	tracker, err := NewTracker(outputDir)
	if err != nil {
		return err
	}
	predictionsPath := path.Join(outputDir, PredictionsFile)
	_ = os.Remove(predictionsPath) // The prediction log is per run, folds append to it.

	setupCtx := ctxBuilder()
	seed := int64(context.GetParamOr(setupCtx, "seed", 1000))
	trainPct := context.GetParamOr(setupCtx, "train_pct", 0.8)
	modelType := context.GetParamOr(setupCtx, "model", "transformer")
	if verbosity >= 1 {
		fmt.Printf("Model: %s\n", modelType)
	}

	results := make([]*FoldResult, 0, reg.NumDomains())
	for heldOut := range reg.NumDomains() {
		domainName := reg.Name(heldOut)
		if verbosity >= 0 {
			fmt.Printf("\n=== Fold %d/%d: holding out domain %q\n", heldOut+1, reg.NumDomains(), domainName)
		}

		// Fold-local randomness, derived from the run seed.
		rng := rand.New(rand.NewSource(seed + int64(heldOut)))

		var fold *Fold
		if indicesDir != "" {
			fold, err = LoadFold(reg, heldOut, fsutil.MustReplaceTildeInDir(indicesDir))
		} else {
			fold, err = NewFold(reg, heldOut, trainPct, rng)
			if err == nil {
				err = fold.SaveIndices(outputDir)
			}
		}
		if err != nil {
			return err
		}

		ctx := ctxBuilder()
		if err = ctx.SetRNGStateFromSeed(seed + int64(heldOut)); err != nil {
			return err
		}
		checkpointDir := path.Join(outputDir, "model_"+domainName)
		bestAcc, err := TrainFold(backend, ctx, fold, rng, checkpointDir, tracker, paramsSet, verbosity)
		if err != nil {
			return err
		}
		klog.V(1).Infof("fold %q: best validation accuracy %.4f", domainName, bestAcc)

		result, err := EvaluateFold(backend, ctxBuilder(), fold, checkpointDir, predictionsPath)
		if err != nil {
			return err
		}
		results = append(results, result)
		tracker.SetSummary(domainName+"-P", result.Metrics.Precision)
		tracker.SetSummary(domainName+"-R", result.Metrics.Recall)
		tracker.SetSummary(domainName+"-F1", result.Metrics.F1)
		tracker.SetSummary(domainName+"-Acc", result.Metrics.Accuracy)
		if verbosity >= 0 {
			fmt.Printf("Fold %q: test loss=%.4f, accuracy=%.4f, F1=%.4f\n",
				domainName, result.Loss, result.Metrics.Accuracy, result.Metrics.F1)
		}
	}

	agg := AggregateFolds(results)
	tracker.SetSummary("test-micro-acc", agg.Micro.Accuracy)
	tracker.SetSummary("test-micro-P", agg.Micro.Precision)
	tracker.SetSummary("test-micro-R", agg.Micro.Recall)
	tracker.SetSummary("test-micro-F1", agg.Micro.F1)
	tracker.SetSummary("test-macro-acc", agg.Macro.Accuracy)
	tracker.SetSummary("test-macro-P", agg.Macro.Precision)
	tracker.SetSummary("test-macro-R", agg.Macro.Recall)
	tracker.SetSummary("test-macro-F1", agg.Macro.F1)
	tracker.SetSummary("test-loss", agg.Loss)
	if verbosity >= 0 {
		fmt.Println()
		fmt.Println(tracker.SummaryTable())
	}
	return tracker.Close()
}
