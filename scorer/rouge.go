package scorer

import "context"

const rougeBeta = 1.2

// Rouge computes ROUGE-L from the longest common subsequence, taking the
// best precision and recall over the references.
type Rouge struct{}

func NewRouge() *Rouge { return &Rouge{} }

func (r *Rouge) Metric() Metric { return ROUGEL }

func (r *Rouge) Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (Result, error) {
	in, err := prepare(hyps, refs)
	if err != nil {
		return Result{}, err
	}
	res := Result{PerSample: make(map[string]float64, len(in.ids))}
	total := 0.0
	for _, id := range in.ids {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		score := rougeL(in.hyps[id], in.refs[id])
		res.PerSample[id] = score
		total += score
	}
	if len(in.ids) > 0 {
		res.Corpus = total / float64(len(in.ids))
	}
	return res, nil
}

func rougeL(hyp []string, refs [][]string) float64 {
	if len(hyp) == 0 {
		return 0
	}
	bestPrec, bestRec := 0.0, 0.0
	for _, ref := range refs {
		l := float64(lcs(hyp, ref))
		bestPrec = max(bestPrec, l/float64(len(hyp)))
		bestRec = max(bestRec, l/float64(len(ref)))
	}
	if bestPrec == 0 || bestRec == 0 {
		return 0
	}
	b2 := rougeBeta * rougeBeta
	return (1 + b2) * bestPrec * bestRec / (bestRec + b2*bestPrec)
}

func lcs(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
