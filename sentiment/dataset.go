package sentiment

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Dataset implements train.Dataset over a subset of one domain's examples.
//
// Each batch carries two inputs, the padded token ids shaped
// (int32)[batch_size, max_len] and the domain slot ids shaped
// (int32)[batch_size], and the binary labels shaped (int8)[batch_size].
//
// The batching primitives NextBatch and Batch are also exported separately, so
// a scheduler can pull several batches at once and materialize them as one
// tensor (see the lodo package).
type Dataset struct {
	name      string
	examples  []*Example
	indices   []int
	slot      int32
	maxLen    int
	batchSize int

	pos     int
	shuffle *rand.Rand
}

// Assert *Dataset implements train.Dataset.
var _ train.Dataset = &Dataset{}

// NewDataset creates a Dataset over the examples of domain selected by indices.
// The slot is the dense per-fold domain id fed to the model.
//
// The dataset yields batches in indices order; chain with Shuffle for a
// randomized order re-drawn at every Reset.
func NewDataset(name string, domain *Domain, indices []int, slot, maxLen, batchSize int) *Dataset {
	ds := &Dataset{
		name:      name,
		examples:  domain.Examples,
		indices:   append([]int(nil), indices...),
		slot:      int32(slot),
		maxLen:    maxLen,
		batchSize: batchSize,
	}
	return ds
}

// Shuffle makes the dataset yield batches in random order, reshuffled at every
// Reset. It returns the modified dataset, so calls can be chained.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// Name implements train.Dataset interface.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of examples of the subset.
func (ds *Dataset) Len() int { return len(ds.indices) }

// NumBatches returns how many batches one full pass yields. The last batch may
// be smaller than the batch size.
func (ds *Dataset) NumBatches() int {
	return (len(ds.indices) + ds.batchSize - 1) / ds.batchSize
}

// Reset restarts the dataset from the beginning, reshuffling the order if
// Shuffle was set. It implements train.Dataset.
func (ds *Dataset) Reset() {
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.indices), func(i, j int) {
			ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
		})
	}
	ds.pos = 0
}

// NextBatch returns the example indices of the next batch, possibly smaller
// than the batch size at the end of a pass. It returns ok=false when the pass
// is exhausted.
func (ds *Dataset) NextBatch() (examplesIdx []int, ok bool) {
	if ds.pos >= len(ds.indices) {
		return nil, false
	}
	end := min(ds.pos+ds.batchSize, len(ds.indices))
	examplesIdx = ds.indices[ds.pos:end]
	ds.pos = end
	return examplesIdx, true
}

// Batch materializes the tensors for the given example indices.
//
// It trims the examples to maxLen tokens, taken from the end, and pads short
// ones at the start -- token 0 is the padding, token 1 marks the start of the
// content.
func (ds *Dataset) Batch(examplesIdx []int) (inputs, labels []*tensors.Tensor) {
	n := len(examplesIdx)
	tokensData := make([]int32, n*ds.maxLen)
	slotsData := make([]int32, n)
	labelsData := make([]int8, n)
	for batchIdx, exampleIdx := range examplesIdx {
		ex := ds.examples[exampleIdx]
		labelsData[batchIdx] = int8(ex.Label)
		slotsData[batchIdx] = ds.slot
		row := tokensData[batchIdx*ds.maxLen : (batchIdx+1)*ds.maxLen]
		content := ex.Content
		if len(content) > ds.maxLen {
			content = content[len(content)-ds.maxLen:]
		}
		copy(row[ds.maxLen-len(content):], content)
		if len(content) < ds.maxLen {
			row[ds.maxLen-len(content)-1] = 1 // Token "<START>"
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(tokensData, n, ds.maxLen),
		tensors.FromFlatDataAndDimensions(slotsData, n),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsData, n)}
	return
}

// Yield implements train.Dataset interface. It returns io.EOF at the end of
// one pass over the subset.
//
// It returns `spec==nil` always, since `inputs` and `labels` have always the
// same type of content.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	examplesIdx, ok := ds.NextBatch()
	if !ok {
		return nil, nil, nil, io.EOF
	}
	inputs, labels = ds.Batch(examplesIdx)
	return
}
