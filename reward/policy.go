package reward

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tsawler/go-cst/scorer"
)

// Input carries one batch worth of decodings.
type Input struct {
	// Sampled holds one sequence per row.
	Sampled [][]int
	// Greedy is the self-critical baseline decode, either row aligned with
	// Sampled or one row per video.
	Greedy [][]int
	// Refs holds the ground-truth token sequences of every video in the batch.
	Refs [][][]int
	// ConsensusScores optionally holds precomputed leave-one-out scores per
	// video, aligned with Refs.
	ConsensusScores [][]float64
	SeqPerImg       int
	// SCBCaptions is the number of lowest consensus scores averaged into the
	// consensus baseline.
	SCBCaptions int
}

// Options are shared by both policies.
type Options struct {
	UseEOS bool
}

// Policy computes a reward signal for a batch.
type Policy interface {
	Name() string
	Compute(ctx context.Context, in Input) (Signal, error)
}

// rowVideos maps every row to its video. Rows come either one per video or
// as SeqPerImg consecutive replicates of each video.
func rowVideos(rows int, in Input) ([]int, error) {
	videos := len(in.Refs)
	per := max(1, in.SeqPerImg)
	switch rows {
	case videos * per:
	case videos:
		per = 1
	default:
		return nil, fmt.Errorf("%w: %d rows for %d videos with seq_per_img %d", ErrShape, rows, videos, in.SeqPerImg)
	}
	out := make([]int, rows)
	for r := range out {
		out[r] = r / per
	}
	return out, nil
}

func (o Options) renderRefs(refs [][]int) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = ArrayToString(r, o.UseEOS)
	}
	return out
}

// scoreRows scores row i against the references of video videos[i].
func (o Options) scoreRows(ctx context.Context, s scorer.Scorer, rows [][]int, videos []int, videoRefs [][][]int) ([]float64, error) {
	hyps := make(map[string]string, len(rows))
	refs := make(map[string][]string, len(rows))
	for i, seq := range rows {
		v := videos[i]
		if v >= len(videoRefs) {
			return nil, fmt.Errorf("%w: row %d maps to video %d of %d", ErrShape, i, v, len(videoRefs))
		}
		id := strconv.Itoa(i)
		hyps[id] = ArrayToString(seq, o.UseEOS)
		refs[id] = o.renderRefs(videoRefs[v])
	}
	res, err := s.Score(ctx, hyps, refs)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(rows))
	for i := range rows {
		scores[i] = res.PerSample[strconv.Itoa(i)]
	}
	return scores, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
