package optimizer

import (
	"math"
	"testing"
)

func TestSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 || config.Momentum != 0 || config.Nesterov {
		t.Errorf("unexpected defaults: %+v", config)
	}
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		momentum float64
		steps    int
		want     float64
	}{
		{"vanilla", 0, 2, 1 - 2*0.1*0.5},
		// buf1 = 0.5, buf2 = 0.9*0.5 + 0.5 = 0.95
		{"momentum", 0.9, 2, 1 - 0.1*0.5 - 0.1*0.95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSGDConfig()
			cfg.LearningRate = 0.1
			cfg.Momentum = tt.momentum
			sgd, err := NewSGDOptimizer(cfg, [][]int{{1}})
			if err != nil {
				t.Fatalf("NewSGDOptimizer failed: %v", err)
			}
			p := &Parameter{Name: "w", Shape: []int{1}, Data: []float64{1}, Grad: []float64{0.5}}
			for i := 0; i < tt.steps; i++ {
				if err := sgd.Step([]*Parameter{p}); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			if math.Abs(p.Data[0]-tt.want) > 1e-12 {
				t.Errorf("Data = %f, expected %f", p.Data[0], tt.want)
			}
		})
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	cfg := DefaultSGDConfig()
	cfg.Momentum = 0.9
	sgd, _ := NewSGDOptimizer(cfg, [][]int{{2}})
	p := &Parameter{Name: "w", Shape: []int{2}, Data: []float64{1, 2}, Grad: []float64{0.3, -0.3}}
	_ = sgd.Step([]*Parameter{p})

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	restored, _ := NewSGDOptimizer(cfg, [][]int{{2}})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.MomentumBuffers[0][0] != 0.3 || restored.GetStepCount() != 1 {
		t.Errorf("state not restored: %+v", restored)
	}

	plain, _ := NewSGDOptimizer(DefaultSGDConfig(), [][]int{{2}})
	if err := plain.LoadState(state); err == nil {
		t.Fatal("expected error loading momentum into momentum-free optimizer")
	}
}
