package reward

import (
	"context"
	"fmt"

	"github.com/tsawler/go-cst/scorer"
)

// SelfCritical rewards each sample by how much it beats the greedy decode.
type SelfCritical struct {
	scorer scorer.Scorer
	opts   Options
}

func NewSelfCritical(s scorer.Scorer, opts Options) *SelfCritical {
	return &SelfCritical{scorer: s, opts: opts}
}

func (p *SelfCritical) Name() string { return "self-critical" }

func (p *SelfCritical) Compute(ctx context.Context, in Input) (Signal, error) {
	n := len(in.Sampled)
	if n == 0 {
		return Signal{}, fmt.Errorf("%w: no sampled sequences", ErrShape)
	}
	videos, err := rowVideos(n, in)
	if err != nil {
		return Signal{}, err
	}
	greedyRows, err := alignGreedy(in.Greedy, videos, len(in.Refs))
	if err != nil {
		return Signal{}, err
	}

	// Samples and baselines are scored in one call so corpus-level state
	// such as document frequencies is shared.
	rows := make([][]int, 0, 2*n)
	rows = append(rows, in.Sampled...)
	rows = append(rows, greedyRows...)
	scores, err := p.opts.scoreRows(ctx, p.scorer, rows, append(videos, videos...), in.Refs)
	if err != nil {
		return Signal{}, err
	}
	sampled, greedy := scores[:n], scores[n:]
	diff := make([]float64, n)
	for i := range diff {
		diff[i] = sampled[i] - greedy[i]
	}
	return Signal{
		Rewards:       broadcast(diff, maxLen(in.Sampled)),
		ModelScore:    mean(sampled),
		BaselineScore: mean(greedy),
	}, nil
}

// alignGreedy returns one baseline row per sampled row. A per-video greedy
// decode is repeated for each of the video's replicates.
func alignGreedy(greedy [][]int, videos []int, numVideos int) ([][]int, error) {
	switch len(greedy) {
	case len(videos):
		return greedy, nil
	case numVideos:
		out := make([][]int, len(videos))
		for i, v := range videos {
			out[i] = greedy[v]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d sampled rows but %d greedy rows", ErrShape, len(videos), len(greedy))
}
