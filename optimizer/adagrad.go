package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cst/checkpoints"
)

// AdaGradOptimizerState accumulates squared gradients per parameter.
type AdaGradOptimizerState struct {
	LearningRate float64
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength

	SquaredGradSumBuffers [][]float64

	StepCount uint64

	bufferSizes []int
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
	}
}

func NewAdaGradOptimizer(config AdaGradConfig, weightShapes [][]int) (*AdaGradOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	ada := &AdaGradOptimizerState{
		LearningRate:          config.LearningRate,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		SquaredGradSumBuffers: make([][]float64, len(weightShapes)),
		bufferSizes:           make([]int, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		if size == 0 {
			return nil, fmt.Errorf("weight %d has empty shape %v", i, shape)
		}
		ada.bufferSizes[i] = size
		ada.SquaredGradSumBuffers[i] = make([]float64, size)
	}
	return ada, nil
}

// Step performs a single AdaGrad update.
func (ada *AdaGradOptimizerState) Step(params []*Parameter) error {
	if err := checkParams(params, ada.bufferSizes); err != nil {
		return err
	}
	ada.StepCount++

	for i, p := range params {
		sum := ada.SquaredGradSumBuffers[i]
		for j, g := range p.Grad {
			if ada.WeightDecay != 0 {
				g += ada.WeightDecay * p.Data[j]
			}
			sum[j] += g * g
			p.Data[j] -= ada.LearningRate * g / (math.Sqrt(sum[j]) + ada.Epsilon)
		}
	}
	return nil
}

func (ada *AdaGradOptimizerState) UpdateLearningRate(newLR float64) {
	ada.LearningRate = newLR
}

func (ada *AdaGradOptimizerState) GetLearningRate() float64 {
	return ada.LearningRate
}

func (ada *AdaGradOptimizerState) GetStepCount() uint64 {
	return ada.StepCount
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(ada.SquaredGradSumBuffers))
	for i, buf := range ada.SquaredGradSumBuffers {
		stateData = append(stateData, extractBufferState(buf, fmt.Sprintf("squared_grad_sum_%d", i), "squared_grad_sum"))
	}
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": ada.LearningRate,
			"epsilon":       ada.Epsilon,
			"weight_decay":  ada.WeightDecay,
			"step_count":    float64(ada.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	ada.LearningRate = extractFloatParam(state.Parameters, "learning_rate", ada.LearningRate)
	ada.Epsilon = extractFloatParam(state.Parameters, "epsilon", ada.Epsilon)
	ada.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", ada.WeightDecay)
	ada.StepCount = extractUint64Param(state.Parameters, "step_count", ada.StepCount)
	return restoreIndexed(state, "squared_grad_sum", ada.SquaredGradSumBuffers)
}
