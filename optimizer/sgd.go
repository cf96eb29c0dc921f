package optimizer

import (
	"fmt"

	"github.com/tsawler/go-cst/checkpoints"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	MomentumBuffers [][]float64 // only allocated if momentum > 0

	StepCount uint64

	bufferSizes []int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		bufferSizes:  make([]int, len(weightShapes)),
	}
	if sgd.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float64, len(weightShapes))
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		if size == 0 {
			return nil, fmt.Errorf("weight %d has empty shape %v", i, shape)
		}
		sgd.bufferSizes[i] = size
		if sgd.MomentumBuffers != nil {
			sgd.MomentumBuffers[i] = make([]float64, size)
		}
	}
	return sgd, nil
}

// Step performs a single SGD update, with momentum when configured.
func (sgd *SGDOptimizerState) Step(params []*Parameter) error {
	if err := checkParams(params, sgd.bufferSizes); err != nil {
		return err
	}

	sgd.StepCount++
	for i, p := range params {
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.MomentumBuffers == nil {
		for _, tensor := range state.StateData {
			if tensor.StateType == "momentum" {
				return fmt.Errorf("checkpoint carries momentum but momentum is disabled")
			}
		}
		return nil
	}
	return restoreIndexed(state, "momentum", sgd.MomentumBuffers)
}
