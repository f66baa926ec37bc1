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

// Package lodo trains and evaluates a domain-adapted binary sentiment
// classifier with leave-one-domain-out cross-validation.
//
// For each fold, one domain is held out entirely: the remaining domains are
// split into train/validation subsets and trained jointly with an interleaved
// gradient-accumulation schedule, early stopping on pooled validation
// accuracy, and a best-only checkpoint. The held-out domain is then scored
// with the best checkpoint, and per-fold metrics are aggregated into micro
// (pooled) and macro (mean of folds) summaries.
package lodo

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/multidomain-sentiment/sentiment"
	"github.com/pkg/errors"
)

// ErrIndicesMismatch indicates saved split index files that don't match the
// current fold configuration (domain set, ordering or file format).
var ErrIndicesMismatch = errors.New("split index files don't match the fold configuration")

// Fold describes one leave-one-domain-out fold: the held-out domain and the
// train/validation split of every remaining domain.
//
// Training domains get dense slot ids 0..NumSlots()-1, assigned in registry
// order skipping the held-out domain; the held-out domain itself is tagged
// with slot NumSlots(). The registry is never modified.
type Fold struct {
	Registry *sentiment.Registry

	// HeldOut is the registry position of the held-out domain.
	HeldOut int

	// TrainDomains are the registry positions of the training domains, indexed by slot.
	TrainDomains []int

	// TrainIndices and ValIndices are the example indices of each training
	// domain's split, indexed by slot. They are disjoint and together cover
	// the domain exactly.
	TrainIndices [][]int
	ValIndices   [][]int
}

// NewFold creates a fresh random split for the fold holding out the domain at
// registry position heldOut. Each remaining domain of size n contributes
// floor(n*trainPct) training examples, the rest goes to validation.
//
// Either subset may come out empty for tiny domains; that is allowed here and
// surfaces later as an exhausted scheduler or an empty validation set.
func NewFold(reg *sentiment.Registry, heldOut int, trainPct float64, rng *rand.Rand) (*Fold, error) {
	if heldOut < 0 || heldOut >= reg.NumDomains() {
		return nil, errors.Errorf("held-out domain %d out of range, registry has %d domains", heldOut, reg.NumDomains())
	}
	if trainPct <= 0 || trainPct > 1 {
		return nil, errors.Errorf("train_pct must be in (0, 1], got %g", trainPct)
	}
	f := newEmptyFold(reg, heldOut)
	for slot, domainIdx := range f.TrainDomains {
		n := reg.Size(domainIdx)
		trainSize := int(float64(n) * trainPct)
		perm := rng.Perm(n)
		f.TrainIndices[slot] = perm[:trainSize]
		f.ValIndices[slot] = perm[trainSize:]
	}
	return f, nil
}

func newEmptyFold(reg *sentiment.Registry, heldOut int) *Fold {
	f := &Fold{
		Registry: reg,
		HeldOut:  heldOut,
	}
	for domainIdx := range reg.NumDomains() {
		if domainIdx == heldOut {
			continue
		}
		f.TrainDomains = append(f.TrainDomains, domainIdx)
	}
	f.TrainIndices = make([][]int, len(f.TrainDomains))
	f.ValIndices = make([][]int, len(f.TrainDomains))
	return f
}

// NumSlots returns the number of training domains of the fold.
func (f *Fold) NumSlots() int { return len(f.TrainDomains) }

// HeldOutSlot is the dense domain id tagged to held-out examples.
func (f *Fold) HeldOutSlot() int { return len(f.TrainDomains) }

// HeldOutName is the name of the held-out domain.
func (f *Fold) HeldOutName() string { return f.Registry.Name(f.HeldOut) }

// trainIndicesFile and valIndicesFile name the persisted split of the fold,
// keyed by the held-out domain.
func (f *Fold) trainIndicesFile() string { return fmt.Sprintf("train_idx_%s.txt", f.HeldOutName()) }
func (f *Fold) valIndicesFile() string   { return fmt.Sprintf("val_idx_%s.txt", f.HeldOutName()) }

// SaveIndices persists the fold's split under dir, one "{slot},{index}" line
// per example, in two files named after the held-out domain.
func (f *Fold) SaveIndices(dir string) error {
	for _, part := range []struct {
		fileName string
		indices  [][]int
	}{
		{f.trainIndicesFile(), f.TrainIndices},
		{f.valIndicesFile(), f.ValIndices},
	} {
		if err := saveSlotIndices(path.Join(dir, part.fileName), part.indices); err != nil {
			return err
		}
	}
	return nil
}

func saveSlotIndices(filePath string, slotIndices [][]int) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to save split indices to %q", filePath)
	}
	w := bufio.NewWriter(f)
	for slot, indices := range slotIndices {
		for _, idx := range indices {
			_, _ = fmt.Fprintf(w, "%d,%d\n", slot, idx)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to save split indices to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to save split indices to %q", filePath)
}

// LoadFold rebuilds the fold holding out the domain at registry position
// heldOut from split index files previously written by SaveIndices.
//
// It fails with ErrIndicesMismatch if the files reference domain slots that
// don't exist for this fold or are otherwise malformed, so a split saved for
// a different domain set is never silently reused.
func LoadFold(reg *sentiment.Registry, heldOut int, dir string) (*Fold, error) {
	if heldOut < 0 || heldOut >= reg.NumDomains() {
		return nil, errors.Errorf("held-out domain %d out of range, registry has %d domains", heldOut, reg.NumDomains())
	}
	f := newEmptyFold(reg, heldOut)
	var err error
	f.TrainIndices, err = loadSlotIndices(path.Join(dir, f.trainIndicesFile()), f)
	if err != nil {
		return nil, err
	}
	f.ValIndices, err = loadSlotIndices(path.Join(dir, f.valIndicesFile()), f)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func loadSlotIndices(filePath string, fold *Fold) ([][]int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load split indices from %q", filePath)
	}
	defer func() { _ = f.Close() }()

	slotIndices := make([][]int, fold.NumSlots())
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		slotStr, idxStr, found := strings.Cut(line, ",")
		if !found {
			return nil, errors.Wrapf(ErrIndicesMismatch, "%q line %d: not a \"slot,index\" pair", filePath, lineNum)
		}
		slot, err1 := strconv.Atoi(slotStr)
		idx, err2 := strconv.Atoi(idxStr)
		if err1 != nil || err2 != nil {
			return nil, errors.Wrapf(ErrIndicesMismatch, "%q line %d: not a \"slot,index\" pair", filePath, lineNum)
		}
		if slot < 0 || slot >= fold.NumSlots() {
			return nil, errors.Wrapf(ErrIndicesMismatch,
				"%q line %d: domain slot %d out of range, fold has %d training domains",
				filePath, lineNum, slot, fold.NumSlots())
		}
		domainIdx := fold.TrainDomains[slot]
		if idx < 0 || idx >= fold.Registry.Size(domainIdx) {
			return nil, errors.Wrapf(ErrIndicesMismatch,
				"%q line %d: example index %d out of range for domain %q (%d examples)",
				filePath, lineNum, idx, fold.Registry.Name(domainIdx), fold.Registry.Size(domainIdx))
		}
		slotIndices[slot] = append(slotIndices[slot], idx)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to load split indices from %q", filePath)
	}
	return slotIndices, nil
}
