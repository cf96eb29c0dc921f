package optimizer

import (
	"math"
	"testing"
)

func TestClipGradNormCapsHugeGradient(t *testing.T) {
	params := []*Parameter{
		{Name: "a", Shape: []int{2}, Data: []float64{0, 0}, Grad: []float64{3e6, 4e6}},
		{Name: "b", Shape: []int{1}, Data: []float64{0}, Grad: []float64{0}},
	}

	total, err := ClipGradNorm(params, 0.25)
	if err != nil {
		t.Fatalf("ClipGradNorm failed: %v", err)
	}
	if math.Abs(total-5e6) > 1e-3 {
		t.Errorf("total norm = %f, expected 5e6", total)
	}
	if got := GradNorm(params); got > 0.25+1e-9 {
		t.Errorf("clipped norm = %f, expected <= 0.25", got)
	}
}

func TestClipGradNormHandlesOverflowingSquares(t *testing.T) {
	params := []*Parameter{{Name: "a", Shape: []int{2}, Data: []float64{0, 0}, Grad: []float64{1e200, -1e200}}}
	total, err := ClipGradNorm(params, 1)
	if err != nil {
		t.Fatalf("ClipGradNorm failed: %v", err)
	}
	if math.IsInf(total, 0) {
		t.Fatal("expected finite norm after rescaling")
	}
	if got := GradNorm(params); math.Abs(got-1) > 1e-6 {
		t.Errorf("clipped norm = %f, expected 1", got)
	}
}

func TestClipGradNormLeavesSmallGradients(t *testing.T) {
	params := []*Parameter{{Name: "a", Shape: []int{2}, Data: []float64{0, 0}, Grad: []float64{0.01, 0.02}}}
	if _, err := ClipGradNorm(params, 0.25); err != nil {
		t.Fatalf("ClipGradNorm failed: %v", err)
	}
	if params[0].Grad[0] != 0.01 || params[0].Grad[1] != 0.02 {
		t.Errorf("small gradient was modified: %v", params[0].Grad)
	}
}

func TestClipGradNormRejectsNonFinite(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		params := []*Parameter{{Name: "a", Shape: []int{1}, Data: []float64{0}, Grad: []float64{bad}}}
		if _, err := ClipGradNorm(params, 1); err == nil {
			t.Errorf("expected error for gradient %v", bad)
		}
	}
}

func TestZeroGrad(t *testing.T) {
	params := []*Parameter{{Name: "a", Shape: []int{2}, Data: []float64{1, 1}, Grad: []float64{1, 2}}}
	ZeroGrad(params)
	if params[0].Grad[0] != 0 || params[0].Grad[1] != 0 {
		t.Errorf("gradients not cleared: %v", params[0].Grad)
	}
}
