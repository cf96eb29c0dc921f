package optimizer

import (
	"math"
	"testing"
)

func TestRMSPropFirstStep(t *testing.T) {
	rms, err := NewRMSPropOptimizer(DefaultRMSPropConfig(), [][]int{{2}})
	if err != nil {
		t.Fatalf("NewRMSPropOptimizer failed: %v", err)
	}
	p := &Parameter{Name: "w", Shape: []int{2}, Data: []float64{1, 1}, Grad: []float64{0.5, -2}}
	if err := rms.Step([]*Parameter{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// After one step the running average is (1-alpha)*g^2, so the update is
	// lr * sign(g) / sqrt(1-alpha).
	want := []float64{1 - 0.1, 1 + 0.1}
	for i := range want {
		if math.Abs(p.Data[i]-want[i]) > 1e-6 {
			t.Errorf("Data[%d] = %f, expected %f", i, p.Data[i], want[i])
		}
	}
}

func TestRMSPropStateRoundTrip(t *testing.T) {
	cfg := DefaultRMSPropConfig()
	cfg.Momentum = 0.9
	cfg.Centered = true
	shapes := [][]int{{3}, {2, 2}}
	rms, err := NewRMSPropOptimizer(cfg, shapes)
	if err != nil {
		t.Fatalf("NewRMSPropOptimizer failed: %v", err)
	}
	params := []*Parameter{
		{Name: "a", Shape: []int{3}, Data: []float64{1, 2, 3}, Grad: []float64{0.1, -0.2, 0.3}},
		{Name: "b", Shape: []int{2, 2}, Data: []float64{1, 1, 1, 1}, Grad: []float64{1, 0, -1, 0.5}},
	}
	for i := 0; i < 3; i++ {
		if err := rms.Step(params); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	state, err := rms.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	restored, _ := NewRMSPropOptimizer(cfg, shapes)
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	for i := range rms.SquaredGradAvgBuffers {
		for j := range rms.SquaredGradAvgBuffers[i] {
			if restored.SquaredGradAvgBuffers[i][j] != rms.SquaredGradAvgBuffers[i][j] ||
				restored.MomentumBuffers[i][j] != rms.MomentumBuffers[i][j] ||
				restored.GradientAvgBuffers[i][j] != rms.GradientAvgBuffers[i][j] {
				t.Fatalf("buffer %d[%d] not restored", i, j)
			}
		}
	}

	plain, _ := NewRMSPropOptimizer(DefaultRMSPropConfig(), shapes)
	if err := plain.LoadState(state); err == nil {
		t.Fatal("expected centered mismatch to be rejected")
	}
}

func TestRMSPropRejectsBadConfig(t *testing.T) {
	cfg := DefaultRMSPropConfig()
	cfg.Alpha = 1
	if _, err := NewRMSPropOptimizer(cfg, [][]int{{1}}); err == nil {
		t.Fatal("expected alpha of 1 to be rejected")
	}
	if _, err := NewRMSPropOptimizer(DefaultRMSPropConfig(), nil); err == nil {
		t.Fatal("expected error for no shapes")
	}
}
