package scorer

import (
	"context"
	"fmt"
	"math"
)

const (
	bleuTiny  = 1e-15
	bleuSmall = 1e-9
)

// Bleu computes BLEU-1..n with closest-reference brevity penalty. The
// reported metric is BLEU-n.
type Bleu struct {
	n int
}

func NewBleu(n int) *Bleu {
	if n <= 0 {
		n = 4
	}
	return &Bleu{n: n}
}

func (b *Bleu) Metric() Metric { return Bleu4 }

type bleuStats struct {
	testLen int
	refLen  int
	guess   []int
	correct []int
}

func (b *Bleu) Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (Result, error) {
	in, err := prepare(hyps, refs)
	if err != nil {
		return Result{}, err
	}

	res := Result{PerSample: make(map[string]float64, len(in.ids)), Components: map[string]float64{}}
	totalGuess := make([]int, b.n)
	totalCorrect := make([]int, b.n)
	totalTest, totalRef := 0, 0

	for _, id := range in.ids {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		st := b.stats(in.hyps[id], in.refs[id])
		totalTest += st.testLen
		totalRef += st.refLen
		for k := 0; k < b.n; k++ {
			totalGuess[k] += st.guess[k]
			totalCorrect[k] += st.correct[k]
		}
		if st.testLen == 0 {
			res.PerSample[id] = 0
			continue
		}
		scores := bleuFromCounts(st.correct, st.guess, st.testLen, st.refLen)
		res.PerSample[id] = scores[b.n-1]
	}

	corpus := bleuFromCounts(totalCorrect, totalGuess, totalTest, totalRef)
	for k, v := range corpus {
		res.Components[fmt.Sprintf("Bleu_%d", k+1)] = v
	}
	res.Corpus = corpus[b.n-1]
	return res, nil
}

func (b *Bleu) stats(hyp []string, refs [][]string) bleuStats {
	maxRef := make(map[string]int)
	refLen := 0
	bestDiff := math.MaxInt
	for _, ref := range refs {
		for gram, count := range countNgrams(ref, b.n) {
			if count > maxRef[gram] {
				maxRef[gram] = count
			}
		}
		diff := len(ref) - len(hyp)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff || (diff == bestDiff && len(ref) < refLen) {
			bestDiff = diff
			refLen = len(ref)
		}
	}

	st := bleuStats{testLen: len(hyp), refLen: refLen, guess: make([]int, b.n), correct: make([]int, b.n)}
	for k := 0; k < b.n; k++ {
		st.guess[k] = max(0, len(hyp)-k)
	}
	for gram, count := range countNgrams(hyp, b.n) {
		st.correct[ngramOrder(gram)-1] += min(count, maxRef[gram])
	}
	return st
}

// bleuFromCounts returns the cumulative BLEU-1..n scores.
func bleuFromCounts(correct, guess []int, testLen, refLen int) []float64 {
	out := make([]float64, len(correct))
	prod := 1.0
	for k := range correct {
		prod *= (float64(correct[k]) + bleuTiny) / (float64(guess[k]) + bleuSmall)
		out[k] = math.Pow(prod, 1/float64(k+1))
	}
	ratio := (float64(testLen) + bleuTiny) / (float64(refLen) + bleuSmall)
	if ratio < 1 {
		penalty := math.Exp(1 - 1/ratio)
		for k := range out {
			out[k] *= penalty
		}
	}
	return out
}
