package reward

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tsawler/go-cst/scorer"
)

// Baseline selects where the consensus baseline comes from.
type Baseline int

const (
	// BaselineGT averages the lowest leave-one-out scores of the ground truth.
	BaselineGT Baseline = iota
	// BaselineSampled averages the lowest scores among a video's own samples.
	BaselineSampled
	// BaselineNone rewards the raw sample score.
	BaselineNone
)

func (b Baseline) String() string {
	switch b {
	case BaselineGT:
		return "gt"
	case BaselineSampled:
		return "sampled"
	case BaselineNone:
		return "none"
	default:
		return "unknown"
	}
}

func ParseBaseline(name string) (Baseline, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gt", "":
		return BaselineGT, nil
	case "sampled":
		return BaselineSampled, nil
	case "none":
		return BaselineNone, nil
	default:
		return 0, fmt.Errorf("unknown consensus baseline %q", name)
	}
}

// Consensus rewards samples relative to the agreement among references.
type Consensus struct {
	scorer   scorer.Scorer
	opts     Options
	baseline Baseline
}

func NewConsensus(s scorer.Scorer, baseline Baseline, opts Options) *Consensus {
	return &Consensus{scorer: s, opts: opts, baseline: baseline}
}

func (p *Consensus) Name() string { return "consensus/" + p.baseline.String() }

func (p *Consensus) Compute(ctx context.Context, in Input) (Signal, error) {
	n := len(in.Sampled)
	if n == 0 {
		return Signal{}, fmt.Errorf("%w: no sampled sequences", ErrShape)
	}
	videos, err := rowVideos(n, in)
	if err != nil {
		return Signal{}, err
	}
	scores, err := p.opts.scoreRows(ctx, p.scorer, in.Sampled, videos, in.Refs)
	if err != nil {
		return Signal{}, err
	}

	base := make([]float64, n)
	if in.SCBCaptions > 0 {
		switch p.baseline {
		case BaselineGT:
			if base, err = p.gtBaseline(ctx, in, videos); err != nil {
				return Signal{}, err
			}
		case BaselineSampled:
			base = p.sampledBaseline(scores, videos, in.SCBCaptions)
		}
	}

	rewards := make([]float64, n)
	for i := range rewards {
		rewards[i] = scores[i] - base[i]
	}
	return Signal{
		Rewards:       broadcast(rewards, maxLen(in.Sampled)),
		ModelScore:    mean(scores),
		BaselineScore: mean(base),
	}, nil
}

// gtBaseline maps every row to the mean of its video's SCBCaptions lowest
// consensus scores, computing them when the batch carries none.
func (p *Consensus) gtBaseline(ctx context.Context, in Input, videos []int) ([]float64, error) {
	consensus := in.ConsensusScores
	if consensus == nil {
		refs := make([][]string, len(in.Refs))
		for v, r := range in.Refs {
			refs[v] = p.opts.renderRefs(r)
		}
		var err error
		if consensus, err = ConsensusScores(ctx, p.scorer, refs); err != nil {
			return nil, err
		}
	} else if len(consensus) != len(in.Refs) {
		return nil, fmt.Errorf("%w: %d consensus rows for %d videos", ErrShape, len(consensus), len(in.Refs))
	}

	perVideo := make([]float64, len(consensus))
	for v, row := range consensus {
		perVideo[v] = lowestMean(row, in.SCBCaptions)
	}
	base := make([]float64, len(videos))
	for i, v := range videos {
		base[i] = perVideo[v]
	}
	return base, nil
}

// sampledBaseline groups rows by video and uses the mean of each group's
// lowest scores.
func (p *Consensus) sampledBaseline(scores []float64, videos []int, scbCaptions int) []float64 {
	groups := make(map[int][]float64)
	for i, s := range scores {
		groups[videos[i]] = append(groups[videos[i]], s)
	}
	perVideo := make(map[int]float64, len(groups))
	for v, g := range groups {
		perVideo[v] = lowestMean(g, scbCaptions)
	}
	base := make([]float64, len(scores))
	for i, v := range videos {
		base[i] = perVideo[v]
	}
	return base
}

func lowestMean(scores []float64, k int) float64 {
	if len(scores) == 0 || k <= 0 {
		return 0
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	return mean(sorted[:min(k, len(sorted))])
}

// ConsensusScores scores every reference caption against the other
// captions of the same video. Videos with a single caption score 0.
func ConsensusScores(ctx context.Context, s scorer.Scorer, refs [][]string) ([][]float64, error) {
	hyps := make(map[string]string)
	others := make(map[string][]string)
	for v, captions := range refs {
		if len(captions) < 2 {
			continue
		}
		for j, c := range captions {
			id := strconv.Itoa(v) + "_" + strconv.Itoa(j)
			rest := make([]string, 0, len(captions)-1)
			rest = append(rest, captions[:j]...)
			rest = append(rest, captions[j+1:]...)
			hyps[id] = c
			others[id] = rest
		}
	}

	out := make([][]float64, len(refs))
	if len(hyps) == 0 {
		for v := range refs {
			out[v] = make([]float64, len(refs[v]))
		}
		return out, nil
	}
	res, err := s.Score(ctx, hyps, others)
	if err != nil {
		return nil, err
	}
	for v, captions := range refs {
		out[v] = make([]float64, len(captions))
		if len(captions) < 2 {
			continue
		}
		for j := range captions {
			out[v][j] = res.PerSample[strconv.Itoa(v)+"_"+strconv.Itoa(j)]
		}
	}
	return out, nil
}
