package lodo

import (
	"io"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/multidomain-sentiment/sentiment"
)

// InterleavedDataset implements train.Dataset over several per-domain
// datasets, yielding one gradient-accumulation group at a time.
//
// One epoch drains every domain exactly once. It proceeds in passes: the
// still-unfinished domains are visited in a freshly shuffled order, and each
// visit pulls up to groupBatches batches from that domain. The pulled batches
// form one group, materialized as a single stacked batch, so each Yield maps
// to exactly one optimizer step. A group never mixes domains.
//
// A domain that runs out mid-pull still yields its partial group; a domain
// that is already exhausted when visited is marked finished and skipped
// without yielding. When every domain is finished, Yield returns io.EOF;
// Reset starts the next epoch with fresh per-domain shuffles.
//
// Each yielded group carries an extra labels tensor with per-example loss
// weights, such that the mean weighted loss of the stacked batch equals the
// sum of the group's per-batch mean losses divided by groupBatches. A partial
// group of k batches therefore steps with k/groupBatches of a full group's
// gradient magnitude.
type InterleavedDataset struct {
	name         string
	domains      []*sentiment.Dataset
	groupBatches int
	rng          *rand.Rand

	finished []bool
	order    []int
	orderPos int
}

// Assert *InterleavedDataset implements train.Dataset.
var _ train.Dataset = &InterleavedDataset{}

// NewInterleaved creates the interleaved scheduler over the given per-domain
// datasets (normally the training splits of one fold, one per slot), with
// groups of up to groupBatches batches.
func NewInterleaved(name string, domains []*sentiment.Dataset, groupBatches int, rng *rand.Rand) *InterleavedDataset {
	if groupBatches < 1 {
		exceptions.Panicf("gradient accumulation must be >= 1, got %d", groupBatches)
	}
	ds := &InterleavedDataset{
		name:         name,
		domains:      domains,
		groupBatches: groupBatches,
		rng:          rng,
		finished:     make([]bool, len(domains)),
	}
	ds.reshuffle()
	return ds
}

// Name implements train.Dataset interface.
func (ds *InterleavedDataset) Name() string { return ds.name }

// NumGroups returns the number of accumulation groups (optimizer steps) of one
// epoch.
func (ds *InterleavedDataset) NumGroups() int {
	total := 0
	for _, domain := range ds.domains {
		total += (domain.NumBatches() + ds.groupBatches - 1) / ds.groupBatches
	}
	return total
}

// Reset implements train.Dataset interface: it starts a new epoch, resetting
// (and reshuffling) every per-domain dataset.
func (ds *InterleavedDataset) Reset() {
	for _, domain := range ds.domains {
		domain.Reset()
	}
	for ii := range ds.finished {
		ds.finished[ii] = false
	}
	ds.reshuffle()
}

// reshuffle starts a new pass over the unfinished domains, in random order.
func (ds *InterleavedDataset) reshuffle() {
	ds.order = ds.order[:0]
	for ii := range ds.domains {
		if !ds.finished[ii] {
			ds.order = append(ds.order, ii)
		}
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.orderPos = 0
}

// nextGroup selects the domain and the batches of the next accumulation
// group, or io.EOF at the end of the epoch.
func (ds *InterleavedDataset) nextGroup() (domain int, batches [][]int, err error) {
	for {
		if ds.orderPos >= len(ds.order) {
			ds.reshuffle()
			if len(ds.order) == 0 {
				return 0, nil, io.EOF
			}
		}
		domain = ds.order[ds.orderPos]
		ds.orderPos++
		if ds.finished[domain] {
			// Finished mid-pass after the pass order was drawn.
			continue
		}
		for range ds.groupBatches {
			batch, ok := ds.domains[domain].NextBatch()
			if !ok {
				ds.finished[domain] = true
				break
			}
			batches = append(batches, batch)
		}
		if len(batches) == 0 {
			// Domain was already exhausted when visited: no optimizer step for it.
			continue
		}
		return domain, batches, nil
	}
}

// groupWeights returns the per-example loss weights of one group: the weighted
// mean over the stacked examples must equal the sum of per-batch mean losses
// divided by groupBatches, so each example of a batch of size n weighs
// N/(groupBatches*n), N being the group's total example count.
func (ds *InterleavedDataset) groupWeights(batches [][]int) []float32 {
	n := 0
	for _, batch := range batches {
		n += len(batch)
	}
	weights := make([]float32, 0, n)
	for _, batch := range batches {
		w := float32(n) / float32(ds.groupBatches*len(batch))
		for range batch {
			weights = append(weights, w)
		}
	}
	return weights
}

// Yield implements train.Dataset interface, returning one accumulation group
// as a single stacked batch, with the group's loss weights appended to the
// labels. It returns io.EOF at the end of the epoch.
func (ds *InterleavedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	domain, batches, err := ds.nextGroup()
	if err != nil {
		return nil, nil, nil, err
	}
	var examplesIdx []int
	for _, batch := range batches {
		examplesIdx = append(examplesIdx, batch...)
	}
	inputs, labels = ds.domains[domain].Batch(examplesIdx)
	weights := ds.groupWeights(batches)
	labels = append(labels, tensors.FromFlatDataAndDimensions(weights, len(weights)))
	// The extra weights tensor means the trainer must not share compiled
	// graphs (keyed by spec) with datasets that yield plain labels.
	spec = ds
	return
}
