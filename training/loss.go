package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cst/reward"
	"github.com/tsawler/go-cst/tensor"
)

// LossResult is a scalar loss and its gradient with respect to the
// [rows, steps, vocab] log-probabilities it was computed from.
type LossResult struct {
	Value float64
	Grad  *tensor.Tensor
}

// MaskedCrossEntropy is the negative log-likelihood of target tokens,
// averaged over positions whose mask is 1.
type MaskedCrossEntropy struct{}

func NewMaskedCrossEntropy() *MaskedCrossEntropy {
	return &MaskedCrossEntropy{}
}

// Forward computes the loss. Targets and masks longer than the prediction
// are truncated to its step count.
func (ce *MaskedCrossEntropy) Forward(logProbs *tensor.Tensor, target [][]int, mask [][]float64) (LossResult, error) {
	rows, steps, vocab, err := logProbDims(logProbs)
	if err != nil {
		return LossResult{}, err
	}
	if len(target) != rows || len(mask) != rows {
		return LossResult{}, fmt.Errorf("cross entropy: %d prediction rows, %d target rows, %d mask rows", rows, len(target), len(mask))
	}

	grad, err := tensor.Zeros(logProbs.Shape)
	if err != nil {
		return LossResult{}, err
	}
	total, weight := 0.0, 0.0
	for i := 0; i < rows; i++ {
		n := min(steps, len(target[i]), len(mask[i]))
		for t := 0; t < n; t++ {
			m := mask[i][t]
			if m == 0 {
				continue
			}
			tok := target[i][t]
			if tok < 0 || tok >= vocab {
				return LossResult{}, fmt.Errorf("cross entropy: token %d at [%d,%d] outside vocabulary of %d", tok, i, t, vocab)
			}
			dist, _ := logProbs.Vector(i, t)
			total -= dist[tok] * m
			weight += m
		}
	}
	if weight == 0 {
		return LossResult{Value: 0, Grad: grad}, nil
	}
	for i := 0; i < rows; i++ {
		n := min(steps, len(target[i]), len(mask[i]))
		for t := 0; t < n; t++ {
			if m := mask[i][t]; m != 0 {
				g, _ := grad.Vector(i, t)
				g[target[i][t]] = -m / weight
			}
		}
	}
	return LossResult{Value: total / weight, Grad: grad}, nil
}

// RewardCriterion is the policy-gradient loss -Σ logp·reward over sampled
// tokens, averaged over valid positions. A position is valid when it is the
// first step or the previous token was not EOS.
type RewardCriterion struct{}

func NewRewardCriterion() *RewardCriterion {
	return &RewardCriterion{}
}

func (rc *RewardCriterion) Forward(logProbs *tensor.Tensor, seq [][]int, signal reward.Signal) (LossResult, error) {
	rows, steps, vocab, err := logProbDims(logProbs)
	if err != nil {
		return LossResult{}, err
	}
	if len(seq) != rows || signal.Rows() != rows {
		return LossResult{}, fmt.Errorf("reward criterion: %d prediction rows, %d sequences, %d reward rows", rows, len(seq), signal.Rows())
	}
	_, rewardSteps := signal.Rewards.Dims()

	type position struct {
		row, step, tok int
		reward         float64
	}
	var valid []position
	for i := 0; i < rows; i++ {
		n := min(steps, len(seq[i]), rewardSteps)
		for t := 0; t < n; t++ {
			if t > 0 && seq[i][t-1] == 0 {
				break
			}
			tok := seq[i][t]
			if tok < 0 || tok >= vocab {
				return LossResult{}, fmt.Errorf("reward criterion: token %d at [%d,%d] outside vocabulary of %d", tok, i, t, vocab)
			}
			valid = append(valid, position{row: i, step: t, tok: tok, reward: signal.Rewards.At(i, t)})
		}
	}

	grad, err := tensor.Zeros(logProbs.Shape)
	if err != nil {
		return LossResult{}, err
	}
	if len(valid) == 0 {
		return LossResult{Value: 0, Grad: grad}, nil
	}
	total := 0.0
	weight := float64(len(valid))
	for _, p := range valid {
		dist, _ := logProbs.Vector(p.row, p.step)
		total -= dist[p.tok] * p.reward
		g, _ := grad.Vector(p.row, p.step)
		g[p.tok] = -p.reward / weight
	}
	loss := total / weight
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return LossResult{}, fmt.Errorf("reward criterion: loss is not finite")
	}
	return LossResult{Value: loss, Grad: grad}, nil
}

func logProbDims(t *tensor.Tensor) (rows, steps, vocab int, err error) {
	if t == nil || t.Dim() != 3 {
		return 0, 0, 0, fmt.Errorf("log-probabilities must be [rows, steps, vocab]")
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}
