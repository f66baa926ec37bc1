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

// Package sentiment loads and prepares multi-domain product review corpora for
// binary sentiment classification.
//
// Each domain ("books", "dvd", ...) is a separate corpus of labeled reviews.
// The package tokenizes all domains against one shared vocabulary and serves
// per-domain batched datasets implementing train.Dataset.
package sentiment

import "sort"

// VocabEntry include the Token and its count.
type VocabEntry struct {
	Token string
	Count int
}

// Vocab stores vocabulary information shared by all domains.
type Vocab struct {
	ListEntries []VocabEntry
	MapTokens   map[string]int
	TotalCount  int
}

// NewVocab creates a new vocabulary, with the first token set to "<INVALID>", usually a placeholder
// for padding, and the second token set to "<START>" to indicate start of sentence.
func NewVocab() *Vocab {
	v := &Vocab{
		MapTokens:   make(map[string]int),
		ListEntries: []VocabEntry{{"<INVALID>", 0}, {"<START>", 1}},
	}
	for ii, entry := range v.ListEntries {
		v.MapTokens[entry.Token] = ii
	}
	return v
}

// Len returns the number of unique tokens, including the special ones.
func (v *Vocab) Len() int { return len(v.ListEntries) }

// RegisterToken returns the index for the token, and increments the count for the token.
func (v *Vocab) RegisterToken(token string) (idx int) {
	v.TotalCount++
	var found bool
	idx, found = v.MapTokens[token]
	if !found {
		idx = len(v.ListEntries)
		v.MapTokens[token] = idx
		v.ListEntries = append(v.ListEntries, VocabEntry{token, 1})
	} else {
		v.ListEntries[idx].Count++
	}
	return idx
}

// SortByFrequency sorts the vocabs by their frequency, and returns a map to convert the
// token ids from before the sorting to their new values.
//
// Special tokens "<INVALID>" and "<START>" remain unchanged.
func (v *Vocab) SortByFrequency() (oldIDtoNewID map[int]int) {
	subSlice := v.ListEntries[2:] // "<INVALID>" and "<START>" remain unchanged.
	sort.Slice(subSlice, func(i, j int) bool {
		return subSlice[i].Count > subSlice[j].Count
	})

	// Create new map of tokens to its id.
	newMapTokens := make(map[string]int, len(v.MapTokens))
	for ii, entry := range v.ListEntries {
		newMapTokens[entry.Token] = ii
	}

	// Create conversion map.
	oldIDtoNewID = make(map[int]int, len(v.MapTokens))
	for token, oldID := range v.MapTokens {
		oldIDtoNewID[oldID] = newMapTokens[token]
	}
	v.MapTokens = newMapTokens
	return
}
