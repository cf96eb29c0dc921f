package dataset

import (
	"context"
	"fmt"

	"github.com/tsawler/go-cst/reward"
	"github.com/tsawler/go-cst/scorer"
)

// PrecomputeConsensus scores every caption against the other captions of its
// video and stores the result in ConsensusScores. Captions are rendered as
// the reward policies render references, so the stored scores can stand in
// for the on-the-fly ones.
func PrecomputeConsensus(ctx context.Context, ds *Dataset, s scorer.Scorer, useEOS bool) error {
	refs := make([][]string, len(ds.Videos))
	for i, v := range ds.Videos {
		if len(v.Captions) == 0 {
			return fmt.Errorf("video %s has no captions", v.ID)
		}
		refs[i] = make([]string, len(v.Captions))
		for j, c := range v.Captions {
			refs[i][j] = reward.ArrayToString(ds.Encode(c), useEOS)
		}
	}
	scores, err := reward.ConsensusScores(ctx, s, refs)
	if err != nil {
		return fmt.Errorf("consensus scores: %w", err)
	}
	for i := range ds.Videos {
		ds.Videos[i].ConsensusScores = scores[i]
	}
	return nil
}
