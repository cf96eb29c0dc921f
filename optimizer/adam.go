package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cst/checkpoints"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments.
type AdamOptimizerState struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	bufferSizes []int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer allocates zeroed moments for parameters of the given shapes.
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float64, len(weightShapes)),
		VarianceBuffers: make([][]float64, len(weightShapes)),
		bufferSizes:     make([]int, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		if size == 0 {
			return nil, fmt.Errorf("weight %d has empty shape %v", i, shape)
		}
		adam.bufferSizes[i] = size
		adam.MomentumBuffers[i] = make([]float64, size)
		adam.VarianceBuffers[i] = make([]float64, size)
	}
	return adam, nil
}

// Step performs a single bias-corrected Adam update.
func (adam *AdamOptimizerState) Step(params []*Parameter) error {
	if err := checkParams(params, adam.bufferSizes); err != nil {
		return err
	}

	adam.StepCount++
	step := float64(adam.StepCount)
	correction1 := 1 - math.Pow(adam.Beta1, step)
	correction2 := 1 - math.Pow(adam.Beta2, step)

	for i, p := range params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			p.Data[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers))
	for i := range adam.MomentumBuffers {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreIndexed(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreIndexed(state, "variance", adam.VarianceBuffers)
}
