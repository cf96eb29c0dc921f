// Package reward turns sampled caption decodings into policy-gradient
// rewards. Two policies are provided: self-critical, which scores a greedy
// decode of the same model as the baseline, and consensus, which compares
// samples against how well the ground-truth captions agree with each other.
package reward

import (
	"errors"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	tokenEOS = 0
	tokenBOS = 1
)

// ErrShape marks inputs whose row counts do not line up.
var ErrShape = errors.New("reward input shape mismatch")

// Signal is a reward per sampled row, broadcast across time steps.
type Signal struct {
	// Rewards has one row per sampled sequence and one column per time step.
	Rewards *mat.Dense
	// ModelScore and BaselineScore are mean metric values, for logging.
	ModelScore    float64
	BaselineScore float64
}

// Rows returns the number of sampled sequences covered by the signal.
func (s Signal) Rows() int {
	if s.Rewards == nil {
		return 0
	}
	r, _ := s.Rewards.Dims()
	return r
}

// MeanReward averages the per-sequence reward.
func (s Signal) MeanReward() float64 {
	if s.Rows() == 0 {
		return 0
	}
	return stat.Mean(mat.Col(nil, 0, s.Rewards), nil)
}

// Row returns the rewards of sequence i.
func (s Signal) Row(i int) []float64 {
	return mat.Row(nil, i, s.Rewards)
}

// broadcast repeats each per-sequence score across steps columns.
func broadcast(scores []float64, steps int) *mat.Dense {
	steps = max(1, steps)
	m := mat.NewDense(len(scores), steps, nil)
	for i, v := range scores {
		for j := 0; j < steps; j++ {
			m.Set(i, j, v)
		}
	}
	return m
}

// ArrayToString renders token ids as the space separated string the scorers
// consume. A leading BOS is skipped. Rendering stops at the first EOS, which
// is included when useEOS is set.
func ArrayToString(seq []int, useEOS bool) string {
	var b strings.Builder
	for i, tok := range seq {
		if i == 0 && tok == tokenBOS {
			continue
		}
		if tok == tokenEOS {
			if useEOS {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString("0")
			}
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(tok))
	}
	return b.String()
}

func maxLen(seqs [][]int) int {
	n := 0
	for _, s := range seqs {
		n = max(n, len(s))
	}
	return n
}
