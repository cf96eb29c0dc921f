package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// Score is a metric value whose -Inf sentinel survives JSON as null.
type Score float64

// NoScore is the best score of a run that has never been validated.
var NoScore = Score(math.Inf(-1))

func (s Score) MarshalJSON() ([]byte, error) {
	v := float64(s)
	if math.IsInf(v, -1) {
		return []byte("null"), nil
	}
	if math.IsNaN(v) || math.IsInf(v, 1) {
		return nil, fmt.Errorf("score %v is not representable", v)
	}
	return json.Marshal(v)
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = NoScore
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Score(v)
	return nil
}

// Knobs are the annealed values active for the current epoch.
type Knobs struct {
	SSProb      float64 `json:"ss_prob"`
	MixerFrom   int     `json:"mixer_from"`
	SCBCaptions int     `json:"scb_captions"`
}

// TrainingState captures training progress. It is stored in every checkpoint
// and, with its validation scores, in every history entry.
type TrainingState struct {
	Iteration     int     `json:"iter"`
	Epoch         int     `json:"epoch"`
	StartEpoch    int     `json:"start_epoch"`
	BestScore     Score   `json:"best_score"`
	BestIteration int     `json:"best_iter"`
	BestEpoch     int     `json:"best_epoch"`
	Loss          float64 `json:"loss"`
	LearningRate  float64 `json:"learning_rate"`
	Phase         string  `json:"phase,omitempty"`
	Knobs         Knobs   `json:"knobs"`
	// Scores holds the most recent validation result, including Loss (negated).
	Scores map[string]float64 `json:"scores,omitempty"`
	RunID  string             `json:"run_id,omitempty"`
}

// NewTrainingState returns the state of a fresh run. BestEpoch starts at
// maxEpochs so patience cannot trigger before the first validation.
func NewTrainingState(maxEpochs int) TrainingState {
	return TrainingState{
		BestScore: NoScore,
		BestEpoch: maxEpochs,
	}
}

// Clone returns a deep copy.
func (s TrainingState) Clone() TrainingState {
	out := s
	if s.Scores != nil {
		out.Scores = maps.Clone(s.Scores)
	}
	return out
}

// Validate reports states that cannot have been produced by a training run.
func (s TrainingState) Validate() error {
	switch {
	case s.Iteration < 0:
		return fmt.Errorf("%w: negative iteration %d", ErrSchema, s.Iteration)
	case s.Epoch < 0:
		return fmt.Errorf("%w: negative epoch %d", ErrSchema, s.Epoch)
	case s.StartEpoch < 0 || s.StartEpoch > s.Epoch:
		return fmt.Errorf("%w: start epoch %d outside [0, %d]", ErrSchema, s.StartEpoch, s.Epoch)
	case math.IsNaN(float64(s.BestScore)):
		return fmt.Errorf("%w: best score is NaN", ErrSchema)
	case s.BestIteration < 0 || s.BestEpoch < 0:
		return fmt.Errorf("%w: negative best iteration or epoch", ErrSchema)
	}
	return nil
}
