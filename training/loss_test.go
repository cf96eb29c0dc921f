package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-cst/reward"
	"github.com/tsawler/go-cst/tensor"
	"gonum.org/v1/gonum/mat"
)

// uniformLogProbs builds [rows, steps, vocab] log-probabilities of a uniform distribution.
func uniformLogProbs(t *testing.T, rows, steps, vocab int) *tensor.Tensor {
	t.Helper()
	lp, err := tensor.Full([]int{rows, steps, vocab}, -math.Log(float64(vocab)))
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	return lp
}

func TestMaskedCrossEntropyIgnoresMaskedPositions(t *testing.T) {
	labels := [][]int{{1, 5, 7, 0}, {1, 3, 0, 0}}
	masks := [][]float64{{1, 1, 1, 0}, {1, 1, 0, 0}}
	target := [][]int{labels[0][1:], labels[1][1:]}
	mask := [][]float64{masks[0][1:], masks[1][1:]}

	lp := uniformLogProbs(t, 2, 3, 10)
	// Garbage where the mask is 0 must not leak into the loss.
	for _, pos := range [][2]int{{0, 2}, {1, 1}, {1, 2}} {
		v, _ := lp.Vector(pos[0], pos[1])
		for i := range v {
			v[i] = -1e300
		}
	}

	res, err := NewMaskedCrossEntropy().Forward(lp, target, mask)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.IsNaN(res.Value) || math.IsInf(res.Value, 0) {
		t.Fatalf("loss is not finite: %v", res.Value)
	}
	if want := math.Log(10); math.Abs(res.Value-want) > 1e-12 {
		t.Errorf("loss = %v, want %v", res.Value, want)
	}
	g, _ := res.Grad.Vector(0, 0)
	if math.Abs(g[5]+1.0/3) > 1e-12 {
		t.Errorf("grad at [0,0,5] = %v, want -1/3", g[5])
	}
	g, _ = res.Grad.Vector(1, 1)
	for _, v := range g {
		if v != 0 {
			t.Fatalf("masked position received gradient %v", v)
		}
	}
}

func TestMaskedCrossEntropyZeroMaskRow(t *testing.T) {
	lp := uniformLogProbs(t, 2, 2, 4)
	v, _ := lp.Vector(1, 0)
	v[2] = -50

	withRow, err := NewMaskedCrossEntropy().Forward(lp, [][]int{{1, 2}, {2, 3}}, [][]float64{{1, 1}, {0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(withRow.Value-math.Log(4)) > 1e-12 {
		t.Errorf("zero-mask row changed the loss: %v", withRow.Value)
	}

	allZero, err := NewMaskedCrossEntropy().Forward(lp, [][]int{{1, 2}, {2, 3}}, [][]float64{{0, 0}, {0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if allZero.Value != 0 {
		t.Errorf("all-zero mask loss = %v, want 0", allZero.Value)
	}
}

func TestMaskedCrossEntropyTruncatesTargets(t *testing.T) {
	lp := uniformLogProbs(t, 1, 2, 4)
	res, err := NewMaskedCrossEntropy().Forward(lp, [][]int{{1, 2, 3, 0}}, [][]float64{{1, 1, 1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Value-math.Log(4)) > 1e-12 {
		t.Errorf("loss = %v", res.Value)
	}
	if _, err := NewMaskedCrossEntropy().Forward(lp, [][]int{{9}}, [][]float64{{1}}); err == nil {
		t.Error("expected out-of-vocabulary error")
	}
}

func TestRewardCriterionMasksAfterEOS(t *testing.T) {
	lp := uniformLogProbs(t, 2, 4, 6)
	seq := [][]int{{3, 0, 4, 5}, {2, 3, 4, 5}}
	rewards := mat.NewDense(2, 4, []float64{
		1, 1, 1, 1,
		-2, -2, -2, -2,
	})
	res, err := NewRewardCriterion().Forward(lp, seq, reward.Signal{Rewards: rewards})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// Valid positions: row 0 steps 0-1 (EOS included), row 1 steps 0-3.
	logp := -math.Log(6)
	want := -(2*logp*1 + 4*logp*-2) / 6
	if math.Abs(res.Value-want) > 1e-12 {
		t.Errorf("loss = %v, want %v", res.Value, want)
	}
	g, _ := res.Grad.Vector(0, 2)
	for _, v := range g {
		if v != 0 {
			t.Fatal("position after EOS received gradient")
		}
	}
	g, _ = res.Grad.Vector(1, 3)
	if math.Abs(g[5]-2.0/6) > 1e-12 {
		t.Errorf("grad = %v, want %v", g[5], 2.0/6)
	}
}

func TestRewardCriterionZeroReward(t *testing.T) {
	lp := uniformLogProbs(t, 1, 3, 5)
	res, err := NewRewardCriterion().Forward(lp, [][]int{{1, 2, 0}}, reward.Signal{Rewards: mat.NewDense(1, 3, nil)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 0 {
		t.Errorf("zero reward loss = %v", res.Value)
	}
}
