package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cst/checkpoints"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages.
type RMSPropOptimizerState struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // 0 disables the momentum buffers
	Centered     bool    // Subtract the squared running mean of gradients

	SquaredGradAvgBuffers [][]float64
	MomentumBuffers       [][]float64 // only allocated if momentum > 0
	GradientAvgBuffers    [][]float64 // only allocated if centered

	StepCount uint64

	bufferSizes []int
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %g", config.Alpha)
	}

	n := len(weightShapes)
	rms := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: make([][]float64, n),
		bufferSizes:           make([]int, n),
	}
	if rms.Momentum > 0 {
		rms.MomentumBuffers = make([][]float64, n)
	}
	if rms.Centered {
		rms.GradientAvgBuffers = make([][]float64, n)
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		if size == 0 {
			return nil, fmt.Errorf("weight %d has empty shape %v", i, shape)
		}
		rms.bufferSizes[i] = size
		rms.SquaredGradAvgBuffers[i] = make([]float64, size)
		if rms.MomentumBuffers != nil {
			rms.MomentumBuffers[i] = make([]float64, size)
		}
		if rms.GradientAvgBuffers != nil {
			rms.GradientAvgBuffers[i] = make([]float64, size)
		}
	}
	return rms, nil
}

// Step performs a single RMSProp update.
func (rms *RMSPropOptimizerState) Step(params []*Parameter) error {
	if err := checkParams(params, rms.bufferSizes); err != nil {
		return err
	}
	rms.StepCount++

	for i, p := range params {
		sq := rms.SquaredGradAvgBuffers[i]
		for j, g := range p.Grad {
			if rms.WeightDecay != 0 {
				g += rms.WeightDecay * p.Data[j]
			}
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*g*g
			avg := sq[j]
			if rms.Centered {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			update := g / (math.Sqrt(math.Max(avg, 0)) + rms.Epsilon)
			if rms.Momentum > 0 {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + update
				update = buf[j]
			}
			p.Data[j] -= rms.LearningRate * update
		}
	}
	return nil
}

func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rms.LearningRate = newLR
}

func (rms *RMSPropOptimizerState) GetLearningRate() float64 {
	return rms.LearningRate
}

func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(rms.SquaredGradAvgBuffers))
	for i := range rms.SquaredGradAvgBuffers {
		stateData = append(stateData, extractBufferState(rms.SquaredGradAvgBuffers[i], fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rms.MomentumBuffers != nil {
			stateData = append(stateData, extractBufferState(rms.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rms.GradientAvgBuffers != nil {
			stateData = append(stateData, extractBufferState(rms.GradientAvgBuffers[i], fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    float64(rms.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Momentum and
// centering are fixed at construction; a checkpoint that disagrees is rejected.
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	if centered := extractBoolParam(state.Parameters, "centered", rms.Centered); centered != rms.Centered {
		return fmt.Errorf("checkpoint centered=%t does not match optimizer centered=%t", centered, rms.Centered)
	}
	if momentum := extractFloatParam(state.Parameters, "momentum", rms.Momentum); (momentum > 0) != (rms.Momentum > 0) {
		return fmt.Errorf("checkpoint momentum %g does not match optimizer momentum %g", momentum, rms.Momentum)
	}

	rms.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloatParam(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloatParam(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloatParam(state.Parameters, "momentum", rms.Momentum)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)

	if err := restoreIndexed(state, "squared_grad_avg", rms.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if rms.MomentumBuffers != nil {
		if err := restoreIndexed(state, "momentum", rms.MomentumBuffers); err != nil {
			return err
		}
	}
	if rms.GradientAvgBuffers != nil {
		return restoreIndexed(state, "gradient_avg", rms.GradientAvgBuffers)
	}
	return nil
}
