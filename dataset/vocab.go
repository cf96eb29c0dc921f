package dataset

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Reserved token ids.
const (
	EOS = 0
	BOS = 1
	UNK = 2
)

var reserved = []string{"<eos>", "<bos>", "<unk>"}

// Vocab maps words to token ids. Ids 0-2 are reserved.
type Vocab struct {
	words []string
	index map[string]int
}

// NewVocab builds a vocabulary from words, which must not repeat or use the
// reserved names.
func NewVocab(words []string) (*Vocab, error) {
	v := &Vocab{
		words: slices.Concat(reserved, words),
		index: make(map[string]int, len(words)+len(reserved)),
	}
	for id, w := range v.words {
		if _, dup := v.index[w]; dup {
			return nil, fmt.Errorf("duplicate vocabulary word %q", w)
		}
		v.index[w] = id
	}
	return v, nil
}

// BuildVocab collects every word that appears at least minCount times, in
// order of first appearance.
func BuildVocab(captions []string, minCount int) *Vocab {
	counts := map[string]int{}
	var order []string
	for _, c := range captions {
		for _, w := range Tokenize(c) {
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	words := order[:0:0]
	for _, w := range order {
		if counts[w] >= minCount && !slices.Contains(reserved, w) {
			words = append(words, w)
		}
	}
	v, _ := NewVocab(words)
	return v
}

// Size is the number of ids, reserved ones included.
func (v *Vocab) Size() int { return len(v.words) }

// Words returns the non-reserved words in id order.
func (v *Vocab) Words() []string { return slices.Clone(v.words[len(reserved):]) }

// Word returns the word for id, or "<unk>" when id is out of range.
func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.words) {
		return reserved[UNK]
	}
	return v.words[id]
}

// Encode tokenizes caption into at most maxLen ids. Unknown words map to UNK.
func (v *Vocab) Encode(caption string, maxLen int) []int {
	words := Tokenize(caption)
	if maxLen > 0 && len(words) > maxLen {
		words = words[:maxLen]
	}
	ids := make([]int, len(words))
	for i, w := range words {
		id, ok := v.index[w]
		if !ok {
			id = UNK
		}
		ids[i] = id
	}
	return ids
}

// Decode renders ids as words, stopping at the first EOS and skipping BOS.
func (v *Vocab) Decode(seq []int) string {
	words := make([]string, 0, len(seq))
	for _, id := range seq {
		if id == EOS {
			break
		}
		if id == BOS {
			continue
		}
		words = append(words, v.Word(id))
	}
	return strings.Join(words, " ")
}

// Tokenize lower-cases a caption, folds it to NFKC and splits it into words,
// dropping punctuation.
func Tokenize(caption string) []string {
	s := cases.Lower(language.English).String(norm.NFKC.String(caption))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
