/*
 *	Copyright 2026 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Leave-one-domain-out cross-validation for a domain-adapted binary sentiment
// classifier: one fold per domain, each training on all other domains and
// scored on the held-out one, with micro/macro aggregated metrics at the end.
//
// Hyperparameters are context settings, e.g.:
//
//	lodo_sentiment --data=~/data/reviews --output=~/tmp/lodo \
//	    --set="model=bow;batch_size=16;gradient_accumulation=2"
package main

import (
	"flag"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/multidomain-sentiment/lodo"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir   = flag.String("data", "~/tmp/multidomain-sentiment", "Directory with one {domain}.tsv review file per domain.")
	flagDomains   = flag.String("domains", "books,dvd,electronics,kitchen_housewares", "Comma-separated list of domains, one fold each.")
	flagOutput    = flag.String("output", "~/tmp/multidomain-sentiment/run", "Run directory: checkpoints, split indices, prediction and metric logs.")
	flagIndices   = flag.String("indices", "", "Directory with split index files from a previous run to reuse. If empty, fresh splits are drawn (and saved to the run directory).")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := lodo.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	domains := strings.Split(*flagDomains, ",")
	for ii, domain := range domains {
		domains[ii] = strings.TrimSpace(domain)
	}
	if len(domains) < 2 {
		klog.Exitf("At least 2 domains are required for leave-one-domain-out cross-validation, got %q", *flagDomains)
	}

	// Every fold rebuilds its context from scratch: defaults plus the
	// command-line settings.
	ctxBuilder := func() *context.Context {
		ctx := lodo.CreateDefaultContext()
		_ = must.M1(commandline.ParseContextSettings(ctx, *settings))
		return ctx
	}

	err := exceptions.TryCatch[error](func() {
		must.M(lodo.Run(ctxBuilder, *flagDataDir, *flagOutput, *flagIndices, domains, paramsSet, *flagVerbosity))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
