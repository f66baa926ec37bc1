package lodo

import (
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/multidomain-sentiment/sentiment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSlots builds one single-example-batch dataset per domain of the registry.
func newTestSlots(reg *sentiment.Registry, batchSize int) []*sentiment.Dataset {
	slots := make([]*sentiment.Dataset, reg.NumDomains())
	for slot := range slots {
		domain := reg.Domain(slot)
		indices := make([]int, len(domain.Examples))
		for ii := range indices {
			indices[ii] = ii
		}
		slots[slot] = sentiment.NewDataset(domain.Name, domain, indices, slot, 4, batchSize)
	}
	return slots
}

// drainGroups pulls accumulation groups until the end of the epoch, returning
// the visited domain and the number of examples of each group.
func drainGroups(t *testing.T, ds *InterleavedDataset) (domains, groupSizes []int) {
	t.Helper()
	for {
		domain, batches, err := ds.nextGroup()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.NotEmpty(t, batches)
		n := 0
		for _, batch := range batches {
			require.NotEmpty(t, batch)
			n += len(batch)
		}
		domains = append(domains, domain)
		groupSizes = append(groupSizes, n)
	}
}

func TestInterleavedDrainsEveryDomainOnce(t *testing.T) {
	// Batch counts per domain: [3, 5, 2], with 2 batches per accumulation
	// group: 2+3+1 = 6 optimizer steps per epoch.
	reg := newTestRegistry(t, 3, 5, 2)
	ds := NewInterleaved("train", newTestSlots(reg, 1), 2, rand.New(rand.NewSource(7)))
	require.Equal(t, 6, ds.NumGroups())

	domains, groupSizes := drainGroups(t, ds)
	require.Len(t, domains, 6)

	pulled := map[int]int{}
	groups := map[int]int{}
	for ii, domain := range domains {
		pulled[domain] += groupSizes[ii]
		groups[domain]++
	}
	// Every domain drained exactly once, partial trailing groups included.
	assert.Equal(t, map[int]int{0: 3, 1: 5, 2: 2}, pulled)
	assert.Equal(t, map[int]int{0: 2, 1: 3, 2: 1}, groups)

	// The epoch is over: further pulls keep returning io.EOF.
	_, _, err := ds.nextGroup()
	assert.ErrorIs(t, err, io.EOF)
	_, _, _, err = ds.Yield()
	assert.ErrorIs(t, err, io.EOF)

	// Reset starts a fresh epoch with the same accounting.
	ds.Reset()
	domains, _ = drainGroups(t, ds)
	assert.Len(t, domains, 6)
}

func TestInterleavedGroupNeverSpansDomains(t *testing.T) {
	// Batch size 2 over 5 examples leaves a trailing batch of 1: with
	// accumulation 2 the group sizes per domain are [4, 1] and [4, 2].
	reg := newTestRegistry(t, 5, 6)
	ds := NewInterleaved("train", newTestSlots(reg, 2), 2, rand.New(rand.NewSource(7)))

	domains, groupSizes := drainGroups(t, ds)
	sizesByDomain := map[int][]int{}
	for ii, domain := range domains {
		sizesByDomain[domain] = append(sizesByDomain[domain], groupSizes[ii])
	}
	assert.Equal(t, []int{4, 1}, sizesByDomain[0])
	assert.Equal(t, []int{4, 2}, sizesByDomain[1])
}

func TestInterleavedYieldShapes(t *testing.T) {
	reg := newTestRegistry(t, 3, 3)
	ds := NewInterleaved("train", newTestSlots(reg, 1), 2, rand.New(rand.NewSource(7)))

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)
	// One stacked super-batch of 2 single-example batches, plus its loss weights.
	assert.Equal(t, []int{2, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int{2}, labels[1].Shape().Dimensions)
}

func TestInterleavedPartialGroupWeights(t *testing.T) {
	// One domain of 5 examples, batch size 2, accumulation 2: batches of
	// [2, 2, 1] examples form the groups [2+2] and [1]. The full group weighs
	// its examples 1; the lone trailing batch is half a group and weighs 1/2,
	// matching per-batch losses scaled by 1/2 each.
	reg := newTestRegistry(t, 5)
	ds := NewInterleaved("train", newTestSlots(reg, 2), 2, rand.New(rand.NewSource(7)))

	collectWeights := func() (weights [][]float32) {
		for {
			_, _, labels, err := ds.Yield()
			if err == io.EOF {
				return
			}
			require.NoError(t, err)
			require.Len(t, labels, 2)
			var w []float32
			tensors.MustConstFlatData[float32](labels[1], func(flat []float32) {
				w = append(w, flat...)
			})
			weights = append(weights, w)
		}
	}

	assert.Equal(t, [][]float32{{1, 1, 1, 1}, {0.5}}, collectWeights())

	// Uneven batches inside one group: 3 examples in 2 batches of [2, 1].
	// Each batch contributes its own mean loss scaled by 1/2, so the
	// per-example weights are 3/(2*2) and 3/(2*1).
	reg = newTestRegistry(t, 3)
	ds = NewInterleaved("train", newTestSlots(reg, 2), 2, rand.New(rand.NewSource(7)))
	assert.Equal(t, [][]float32{{0.75, 0.75, 1.5}}, collectWeights())
}

func TestInterleavedDeterminism(t *testing.T) {
	reg := newTestRegistry(t, 6, 9, 4)

	drawOrder := func(seed int64) []int {
		ds := NewInterleaved("train", newTestSlots(reg, 2), 2, rand.New(rand.NewSource(seed)))
		domains, _ := drainGroups(t, ds)
		return domains
	}

	assert.Equal(t, drawOrder(1000), drawOrder(1000))
}

func TestInterleavedRejectsBadAccumulation(t *testing.T) {
	reg := newTestRegistry(t, 3)
	assert.Panics(t, func() {
		NewInterleaved("train", newTestSlots(reg, 1), 0, rand.New(rand.NewSource(7)))
	})
}
