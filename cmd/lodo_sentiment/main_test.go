package main

import (
	"fmt"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/multidomain-sentiment/lodo"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var muTrain sync.Mutex

func init() {
	klog.InitFlags(nil)
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		must.M(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

// writeTestCorpus creates tiny per-domain review files under dir.
func writeTestCorpus(t *testing.T, dir string, domains ...string) {
	t.Helper()
	positive := []string{"great", "excellent", "loved it", "wonderful", "perfect", "amazing"}
	negative := []string{"terrible", "awful", "hated it", "broken", "boring", "useless"}
	for _, domain := range domains {
		f := must.M1(os.Create(path.Join(dir, domain+".tsv")))
		for ii := 0; ii < 12; ii++ {
			if ii%2 == 0 {
				_ = must.M1(fmt.Fprintf(f, "1\t%s %s product\n", positive[ii%len(positive)], domain))
			} else {
				_ = must.M1(fmt.Fprintf(f, "0\t%s %s product\n", negative[ii%len(negative)], domain))
			}
		}
		must.M(f.Close())
	}
}

const testSettings = "model=bow;batch_size=2;eval_batch_size=4;gradient_accumulation=2;" +
	"n_epochs=1;patience=1;train_pct=0.5;warmup_steps=2;content_max_len=16;" +
	"token_embedding_size=4;domain_embedding_size=2;" +
	"fnn_num_hidden_layers=1;fnn_num_hidden_nodes=4"

// runTestLODO executes one full cross-validation over the test corpus with the
// small testSettings hyperparameters.
func runTestLODO(t *testing.T, dataDir, outputDir string, domains []string) {
	t.Helper()
	ctxBuilder := func() *context.Context {
		ctx := lodo.CreateDefaultContext()
		_ = must.M1(commandline.ParseContextSettings(ctx, testSettings))
		return ctx
	}
	paramsSet := must.M1(commandline.ParseContextSettings(lodo.CreateDefaultContext(), testSettings))
	require.NotPanics(t, func() {
		must.M(lodo.Run(ctxBuilder, dataDir, outputDir, "", domains, paramsSet, 0))
	})
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	dataDir := t.TempDir()
	outputDir := path.Join(t.TempDir(), "run")
	domains := []string{"books", "dvd", "electronics"}
	writeTestCorpus(t, dataDir, domains...)

	muTrain.Lock()
	defer muTrain.Unlock()
	runTestLODO(t, dataDir, outputDir, domains)

	// One checkpoint per fold, plus split indices, predictions and summary.
	for _, domain := range domains {
		require.DirExists(t, path.Join(outputDir, "model_"+domain))
		require.FileExists(t, path.Join(outputDir, fmt.Sprintf("train_idx_%s.txt", domain)))
		require.FileExists(t, path.Join(outputDir, fmt.Sprintf("val_idx_%s.txt", domain)))
	}
	require.FileExists(t, path.Join(outputDir, lodo.PredictionsFile))
	require.FileExists(t, path.Join(outputDir, lodo.SummaryFile))
}

// trainLossSequence reads back the run's logged training batch losses, in
// logging order.
func trainLossSequence(t *testing.T, outputDir string) []plots.Point {
	t.Helper()
	points := must.M1(plots.LoadPoints(path.Join(outputDir, plots.TrainingPlotFileName)))
	var seq []plots.Point
	for _, point := range points {
		if point.Short == "T/#loss" {
			seq = append(seq, point)
		}
	}
	return seq
}

func TestRunDeterminism(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	dataDir := t.TempDir()
	domains := []string{"books", "dvd", "electronics"}
	writeTestCorpus(t, dataDir, domains...)

	muTrain.Lock()
	defer muTrain.Unlock()

	// Same corpus, same seed: the two runs must log the identical sequence of
	// training losses.
	outputA := path.Join(t.TempDir(), "a")
	outputB := path.Join(t.TempDir(), "b")
	runTestLODO(t, dataDir, outputA, domains)
	runTestLODO(t, dataDir, outputB, domains)

	lossesA := trainLossSequence(t, outputA)
	require.NotEmpty(t, lossesA)
	require.Equal(t, lossesA, trainLossSequence(t, outputB))
}
