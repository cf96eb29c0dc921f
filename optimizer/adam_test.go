package optimizer

import (
	"math"
	"testing"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2}})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	p := &Parameter{Name: "w", Shape: []int{2}, Data: []float64{1, 1}, Grad: []float64{0.5, -2}}

	if err := adam.Step([]*Parameter{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// With bias correction the first update is lr * sign(grad).
	want := []float64{1 - 0.001, 1 + 0.001}
	for i := range want {
		if math.Abs(p.Data[i]-want[i]) > 1e-6 {
			t.Errorf("Data[%d] = %f, expected %f", i, p.Data[i], want[i])
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamRejectsMismatchedParameters(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), [][]int{{2, 2}})
	p := &Parameter{Name: "w", Shape: []int{3}, Data: make([]float64, 3), Grad: make([]float64, 3)}
	if err := adam.Step([]*Parameter{p}); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if err := adam.Step(nil); err == nil {
		t.Fatal("expected count mismatch error")
	}
	if _, err := NewAdamOptimizer(DefaultAdamConfig(), nil); err == nil {
		t.Fatal("expected error for no shapes")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	cfg := DefaultAdamConfig()
	adam, _ := NewAdamOptimizer(cfg, [][]int{{3}, {2}})
	params := []*Parameter{
		{Name: "a", Shape: []int{3}, Data: []float64{1, 2, 3}, Grad: []float64{0.1, 0.2, 0.3}},
		{Name: "b", Shape: []int{2}, Data: []float64{4, 5}, Grad: []float64{-0.1, 0.4}},
	}
	for i := 0; i < 3; i++ {
		if err := adam.Step(params); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	adam.UpdateLearningRate(0.01)

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "Adam" || len(state.StateData) != 4 {
		t.Fatalf("unexpected state: %+v", state)
	}

	restored, _ := NewAdamOptimizer(cfg, [][]int{{3}, {2}})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 || restored.GetLearningRate() != 0.01 {
		t.Errorf("hyperparameters not restored: step=%d lr=%f", restored.GetStepCount(), restored.GetLearningRate())
	}
	for i := range adam.MomentumBuffers {
		for j := range adam.MomentumBuffers[i] {
			if restored.MomentumBuffers[i][j] != adam.MomentumBuffers[i][j] ||
				restored.VarianceBuffers[i][j] != adam.VarianceBuffers[i][j] {
				t.Fatalf("moment %d/%d not restored", i, j)
			}
		}
	}

	state.Type = "SGD"
	if err := restored.LoadState(state); err == nil {
		t.Fatal("expected type mismatch error")
	}
}
