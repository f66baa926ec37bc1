package sentiment

import (
	"bytes"
	"regexp"
	"strings"
)

// CaseSensitive indicates whether token collection should be case-sensitive.
var CaseSensitive = false

// reWords captures what are considered tokens.
var reWords = regexp.MustCompile("[[:word:]]+")

// Example is one tokenized review. The fields are:
//
//   - Label is 0 or 1 for negative/positive reviews.
//   - Length is the length (in # of tokens) of the content.
//   - Content are the token ids of the review -- there should be a vocabulary
//     associated to the registry it belongs to.
//
// Examples are immutable once tokenized: folds share them read-only.
type Example struct {
	Label   int
	Length  int
	Content []int32
}

// NewExample tokenizes one review text using the given Vocab and returns the
// parsed example. It doesn't fill the Label attribute.
func NewExample(contents []byte, vocab *Vocab) *Example {
	e := &Example{}
	// Remove line breaks <br/>.
	contents = bytes.Replace(contents, []byte("<br />"), []byte(" "), -1)
	partsIndices := reWords.FindAllIndex(contents, -1)
	for idx := range partsIndices {
		start, end := partsIndices[idx][0], partsIndices[idx][1]
		token := string(contents[start:end])
		if !CaseSensitive {
			token = strings.ToLower(token)
		}
		id := vocab.RegisterToken(token)
		e.Content = append(e.Content, int32(id))
	}
	e.Length = len(e.Content)
	return e
}

func (e *Example) String(vocab *Vocab) string {
	parts := make([]string, 0, len(e.Content))
	for _, tokenID := range e.Content {
		parts = append(parts, vocab.ListEntries[tokenID].Token)
	}
	return "[" + strings.Join(parts, "] [") + "]"
}
