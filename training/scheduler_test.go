package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.1},    // No change yet
		{2, 0.01},   // First reduction
		{3, 0.01},   // Same
		{4, 0.001},  // Second reduction
		{5, 0.001},  // Same
		{6, 0.0001}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestStepLRSchedulerAllowsNoDecay(t *testing.T) {
	scheduler := NewStepLRScheduler(1, 1)
	if lr := scheduler.GetLR(10, 0, 0.5); lr != 0.5 {
		t.Errorf("expected constant LR with gamma 1, got %f", lr)
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(4, 0)
	baseLR := 0.01

	if lr := scheduler.GetLR(0, 0, baseLR); math.Abs(lr-baseLR) > 1e-12 {
		t.Errorf("epoch 0: expected %f, got %f", baseLR, lr)
	}
	if lr := scheduler.GetLR(2, 0, baseLR); math.Abs(lr-baseLR/2) > 1e-12 {
		t.Errorf("epoch 2: expected %f, got %f", baseLR/2, lr)
	}
	if lr := scheduler.GetLR(4, 0, baseLR); lr != 0 {
		t.Errorf("epoch 4: expected 0, got %f", lr)
	}
}

func TestNewLRScheduler(t *testing.T) {
	tests := []struct {
		policy string
		name   string
	}{
		{"step", "StepLR"},
		{"exponential", "ExponentialLR"},
		{"cosine", "CosineAnnealingLR"},
		{"constant", "ConstantLR"},
	}
	for _, tt := range tests {
		s, err := NewLRScheduler(tt.policy, 3, 0.5, 10)
		if err != nil {
			t.Fatalf("%s: %v", tt.policy, err)
		}
		if s.GetName() != tt.name {
			t.Errorf("%s: got %s, want %s", tt.policy, s.GetName(), tt.name)
		}
	}
	if _, err := NewLRScheduler("plateau", 1, 0.5, 10); err == nil {
		t.Error("expected error for unknown policy")
	}
}
