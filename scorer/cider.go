package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/tsawler/go-cst/checkpoints"
)

const ciderN = 4

// DocumentFrequency holds, per n-gram, the number of reference sets that
// contain it, plus the log of the number of sets.
type DocumentFrequency struct {
	DF     map[string]float64 `json:"df"`
	RefLen float64            `json:"ref_len"`
}

// BuildDocumentFrequency counts n-gram document frequencies over reference sets.
func BuildDocumentFrequency(refs map[string][]string) *DocumentFrequency {
	df := &DocumentFrequency{DF: make(map[string]float64)}
	for _, set := range refs {
		seen := make(map[string]struct{})
		for _, r := range set {
			for gram := range countNgrams(Tokenize(r), ciderN) {
				seen[gram] = struct{}{}
			}
		}
		for gram := range seen {
			df.DF[gram]++
		}
	}
	df.RefLen = math.Log(float64(max(1, len(refs))))
	return df
}

// LoadDocumentFrequency reads a cache written by Save.
func LoadDocumentFrequency(path string) (*DocumentFrequency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cider df: %w", err)
	}
	var df DocumentFrequency
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("decode cider df %s: %w", path, err)
	}
	if df.DF == nil {
		return nil, fmt.Errorf("cider df %s has no document frequencies", path)
	}
	return &df, nil
}

func (df *DocumentFrequency) Save(path string) error {
	data, err := json.Marshal(df)
	if err != nil {
		return fmt.Errorf("encode cider df: %w", err)
	}
	return checkpoints.WriteFileAtomic(path, data, 0o644)
}

// Cider computes CIDEr, or CIDEr-D when penalized is set: clipped n-gram
// matches with a Gaussian length penalty.
type Cider struct {
	penalized bool
	sigma     float64
	df        *DocumentFrequency
}

func NewCider(penalized bool, sigma float64, df *DocumentFrequency) *Cider {
	if sigma <= 0 {
		sigma = 6
	}
	return &Cider{penalized: penalized, sigma: sigma, df: df}
}

func (c *Cider) Metric() Metric { return CIDEr }

type ciderVec struct {
	vec    [ciderN]map[string]float64
	keys   [ciderN][]string
	norm   [ciderN]float64
	length float64
}

func (c *Cider) Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (Result, error) {
	in, err := prepare(hyps, refs)
	if err != nil {
		return Result{}, err
	}

	df := c.df
	if df == nil {
		subset := make(map[string][]string, len(in.ids))
		for _, id := range in.ids {
			subset[id] = refs[id]
		}
		df = BuildDocumentFrequency(subset)
	}

	res := Result{PerSample: make(map[string]float64, len(in.ids))}
	total := 0.0
	for _, id := range in.ids {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		score := 0.0
		if len(in.hyps[id]) > 0 {
			hv := c.vector(in.hyps[id], df)
			var sum [ciderN]float64
			for _, ref := range in.refs[id] {
				rv := c.vector(ref, df)
				for n, v := range c.sim(hv, rv) {
					sum[n] += v
				}
			}
			mean := 0.0
			for _, v := range sum {
				mean += v
			}
			score = mean / ciderN / float64(len(in.refs[id])) * 10
		}
		res.PerSample[id] = score
		total += score
	}
	if len(in.ids) > 0 {
		res.Corpus = total / float64(len(in.ids))
	}
	return res, nil
}

func (c *Cider) vector(words []string, df *DocumentFrequency) ciderVec {
	var v ciderVec
	for n := range v.vec {
		v.vec[n] = make(map[string]float64)
	}
	// Sorted iteration keeps sums reproducible for equal inputs.
	counts := countNgrams(words, ciderN)
	grams := slices.Sorted(maps.Keys(counts))
	for _, gram := range grams {
		tf := counts[gram]
		n := ngramOrder(gram) - 1
		v.keys[n] = append(v.keys[n], gram)
		weight := float64(tf) * (df.RefLen - math.Log(math.Max(1, df.DF[gram])))
		v.vec[n][gram] = weight
		v.norm[n] += weight * weight
		// Length is counted on bigrams, as in the reference implementation.
		if n == 1 {
			v.length += float64(tf)
		}
	}
	for n := range v.norm {
		v.norm[n] = math.Sqrt(v.norm[n])
	}
	return v
}

func (c *Cider) sim(hyp, ref ciderVec) [ciderN]float64 {
	var val [ciderN]float64
	delta := hyp.length - ref.length
	for n := 0; n < ciderN; n++ {
		for _, gram := range hyp.keys[n] {
			hw, rw := hyp.vec[n][gram], ref.vec[n][gram]
			if c.penalized {
				val[n] += math.Min(hw, rw) * rw
			} else {
				val[n] += hw * rw
			}
		}
		if hyp.norm[n] != 0 && ref.norm[n] != 0 {
			val[n] /= hyp.norm[n] * ref.norm[n]
		}
		if c.penalized {
			val[n] *= math.Exp(-(delta * delta) / (2 * c.sigma * c.sigma))
		}
	}
	return val
}
