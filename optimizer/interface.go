// Package optimizer updates captioning model parameters from their gradients.
package optimizer

import (
	"fmt"

	"github.com/tsawler/go-cst/checkpoints"
)

// Parameter is one named model tensor together with its gradient buffer.
// Models own the slices; optimizers update Data in place from Grad.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step applies one update to every parameter from its gradient.
	// params must be passed in the same order on every call.
	Step(params []*Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the learning rate used by the next step
	GetLearningRate() float64
}

// OptimizerState is the serialized optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterizes an optimizer.
type Config struct {
	Name         string // "adam", "sgd", "rmsprop" or "adagrad"
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// New builds the optimizer named by cfg for parameters of the given shapes.
func New(cfg Config, shapes [][]int) (Optimizer, error) {
	switch cfg.Name {
	case "adam", "":
		adamCfg := DefaultAdamConfig()
		adamCfg.LearningRate = cfg.LearningRate
		adamCfg.WeightDecay = cfg.WeightDecay
		return NewAdamOptimizer(adamCfg, shapes)
	case "sgd":
		sgdCfg := DefaultSGDConfig()
		sgdCfg.LearningRate = cfg.LearningRate
		sgdCfg.Momentum = cfg.Momentum
		sgdCfg.WeightDecay = cfg.WeightDecay
		return NewSGDOptimizer(sgdCfg, shapes)
	case "rmsprop":
		rmsCfg := DefaultRMSPropConfig()
		rmsCfg.LearningRate = cfg.LearningRate
		rmsCfg.Momentum = cfg.Momentum
		rmsCfg.WeightDecay = cfg.WeightDecay
		return NewRMSPropOptimizer(rmsCfg, shapes)
	case "adagrad":
		adaCfg := DefaultAdaGradConfig()
		adaCfg.LearningRate = cfg.LearningRate
		adaCfg.WeightDecay = cfg.WeightDecay
		return NewAdaGradOptimizer(adaCfg, shapes)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// Shapes collects parameter shapes in order, for optimizer construction.
func Shapes(params []*Parameter) [][]int {
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = p.Shape
	}
	return shapes
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkParams(params []*Parameter, sizes []int) error {
	if len(params) != len(sizes) {
		return fmt.Errorf("parameter count (%d) doesn't match optimizer buffers (%d)", len(params), len(sizes))
	}
	for i, p := range params {
		if len(p.Data) != sizes[i] || len(p.Grad) != sizes[i] {
			return fmt.Errorf("parameter %q: data %d / grad %d, expected %d elements",
				p.Name, len(p.Data), len(p.Grad), sizes[i])
		}
	}
	return nil
}
