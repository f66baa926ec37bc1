package lodo

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"testing"

	"github.com/gomlx/multidomain-sentiment/sentiment"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDomainNames = []string{"books", "dvd", "electronics", "kitchen"}

// newTestRegistry builds an in-memory registry with len(sizes) domains of the
// given sizes. Example ii of each domain has label ii%2.
func newTestRegistry(t *testing.T, sizes ...int) *sentiment.Registry {
	t.Helper()
	require.LessOrEqual(t, len(sizes), len(testDomainNames))
	vocab := sentiment.NewVocab()
	domains := make([]*sentiment.Domain, 0, len(sizes))
	for domainIdx, size := range sizes {
		domain := &sentiment.Domain{Name: testDomainNames[domainIdx]}
		for ii := 0; ii < size; ii++ {
			e := sentiment.NewExample([]byte(fmt.Sprintf("%s review number %d", domain.Name, ii)), vocab)
			e.Label = ii % 2
			domain.Examples = append(domain.Examples, e)
		}
		domains = append(domains, domain)
	}
	return must.M1(sentiment.NewRegistry(vocab, domains))
}

func TestNewFoldPartitionsExactly(t *testing.T) {
	reg := newTestRegistry(t, 10, 7, 5)
	rng := rand.New(rand.NewSource(17))
	fold := must.M1(NewFold(reg, 1, 0.8, rng))

	assert.Equal(t, []int{0, 2}, fold.TrainDomains)
	assert.Equal(t, 2, fold.NumSlots())
	assert.Equal(t, 2, fold.HeldOutSlot())
	assert.Equal(t, "dvd", fold.HeldOutName())

	wantTrainSizes := []int{8, 4} // floor(10*0.8), floor(5*0.8)
	for slot, domainIdx := range fold.TrainDomains {
		n := reg.Size(domainIdx)
		train := fold.TrainIndices[slot]
		val := fold.ValIndices[slot]
		assert.Len(t, train, wantTrainSizes[slot])
		assert.Len(t, val, n-wantTrainSizes[slot])

		// Together they cover the domain exactly, with no overlap.
		all := append(append([]int(nil), train...), val...)
		seen := make(map[int]bool, n)
		for _, idx := range all {
			assert.False(t, seen[idx], "example %d assigned twice", idx)
			seen[idx] = true
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, n)
		}
		assert.Len(t, seen, n)
	}
}

func TestFoldIndicesRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 10, 7, 5)
	fold := must.M1(NewFold(reg, 0, 0.8, rand.New(rand.NewSource(17))))

	dir := t.TempDir()
	require.NoError(t, fold.SaveIndices(dir))
	require.FileExists(t, path.Join(dir, "train_idx_books.txt"))
	require.FileExists(t, path.Join(dir, "val_idx_books.txt"))

	reloaded := must.M1(LoadFold(reg, 0, dir))
	assert.Equal(t, fold.TrainDomains, reloaded.TrainDomains)
	assert.Equal(t, fold.TrainIndices, reloaded.TrainIndices)
	assert.Equal(t, fold.ValIndices, reloaded.ValIndices)
}

func TestFoldDeterminism(t *testing.T) {
	reg := newTestRegistry(t, 10, 7, 5)
	first := must.M1(NewFold(reg, 2, 0.8, rand.New(rand.NewSource(1000))))
	second := must.M1(NewFold(reg, 2, 0.8, rand.New(rand.NewSource(1000))))
	assert.Equal(t, first.TrainIndices, second.TrainIndices)
	assert.Equal(t, first.ValIndices, second.ValIndices)

	other := must.M1(NewFold(reg, 2, 0.8, rand.New(rand.NewSource(1001))))
	assert.NotEqual(t, first.TrainIndices, other.TrainIndices)
}

func TestLoadFoldMismatch(t *testing.T) {
	reg := newTestRegistry(t, 10, 7, 5)
	dir := t.TempDir()
	fold := must.M1(NewFold(reg, 1, 0.8, rand.New(rand.NewSource(17))))
	require.NoError(t, fold.SaveIndices(dir))

	writeIndices := func(fileName, contents string) {
		require.NoError(t, os.WriteFile(path.Join(dir, fileName), []byte(contents), 0644))
	}

	// Slot out of range: the saved split belongs to a different domain set.
	writeIndices("train_idx_dvd.txt", "5,0\n")
	_, err := LoadFold(reg, 1, dir)
	require.ErrorIs(t, err, ErrIndicesMismatch)

	// Malformed line.
	writeIndices("train_idx_dvd.txt", "not-a-pair\n")
	_, err = LoadFold(reg, 1, dir)
	require.ErrorIs(t, err, ErrIndicesMismatch)

	// Example index out of range for its domain.
	writeIndices("train_idx_dvd.txt", "0,9999\n")
	_, err = LoadFold(reg, 1, dir)
	require.ErrorIs(t, err, ErrIndicesMismatch)

	// Missing file is an IO error, not a mismatch.
	_, err = LoadFold(reg, 0, t.TempDir())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrIndicesMismatch)
}

func TestNewFoldValidation(t *testing.T) {
	reg := newTestRegistry(t, 10, 7)
	rng := rand.New(rand.NewSource(17))
	_, err := NewFold(reg, 2, 0.8, rng)
	require.Error(t, err)
	_, err = NewFold(reg, 0, 0.0, rng)
	require.Error(t, err)
	_, err = NewFold(reg, 0, 1.5, rng)
	require.Error(t, err)
}
