// Package scorer computes caption-quality metrics: BLEU, CIDEr and CIDEr-D,
// ROUGE-L, and METEOR through the reference Java implementation.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInput marks malformed scorer input such as a missing or empty reference set.
var ErrInput = errors.New("invalid scorer input")

// Result holds a corpus-level score and one score per hypothesis id.
type Result struct {
	Corpus    float64
	PerSample map[string]float64
	// Components carries related corpus scores, e.g. Bleu_1..Bleu_4.
	Components map[string]float64
}

// Scorer scores hypotheses against their references. Both maps are keyed by
// sample id; every hypothesis needs at least one non-empty reference. Empty
// hypotheses score 0.
type Scorer interface {
	Metric() Metric
	Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (Result, error)
}

// Options configures scorer construction.
type Options struct {
	// Reward selects the training variants: CIDEr-D instead of CIDEr.
	Reward bool
	// DF supplies CIDEr document frequencies; nil derives them from the references.
	DF         *DocumentFrequency
	CIDErSigma float64
	Java       string
	MeteorJar  string
}

// New returns the scorer for m. Composite has no scorer of its own.
func New(m Metric, opts Options) (Scorer, error) {
	switch m {
	case Bleu4:
		return NewBleu(4), nil
	case CIDEr:
		return NewCider(opts.Reward, opts.CIDErSigma, opts.DF), nil
	case METEOR:
		return NewMeteor(opts.Java, opts.MeteorJar)
	case ROUGEL:
		return NewRouge(), nil
	default:
		return nil, fmt.Errorf("metric %s cannot be scored directly", m)
	}
}

// Close releases external resources held by s, if any.
func Close(s Scorer) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type tokenized struct {
	ids  []string
	hyps map[string][]string
	refs map[string][][]string
}

// prepare validates and tokenizes input, returning ids in sorted order.
func prepare(hyps map[string]string, refs map[string][]string) (tokenized, error) {
	t := tokenized{
		hyps: make(map[string][]string, len(hyps)),
		refs: make(map[string][][]string, len(hyps)),
	}
	for id, hyp := range hyps {
		rs, ok := refs[id]
		if !ok || len(rs) == 0 {
			return t, fmt.Errorf("%w: no references for %q", ErrInput, id)
		}
		toks := make([][]string, 0, len(rs))
		for i, r := range rs {
			words := Tokenize(r)
			if len(words) == 0 {
				return t, fmt.Errorf("%w: reference %d of %q is empty", ErrInput, i, id)
			}
			toks = append(toks, words)
		}
		t.ids = append(t.ids, id)
		t.hyps[id] = Tokenize(hyp)
		t.refs[id] = toks
	}
	slices.Sort(t.ids)
	return t, nil
}

func ngramKey(words []string) string {
	return strings.Join(words, " ")
}

// countNgrams counts every n-gram of length 1..n.
func countNgrams(words []string, n int) map[string]int {
	counts := make(map[string]int)
	for k := 1; k <= n; k++ {
		for i := 0; i+k <= len(words); i++ {
			counts[ngramKey(words[i:i+k])]++
		}
	}
	return counts
}

func ngramOrder(key string) int {
	return strings.Count(key, " ") + 1
}
