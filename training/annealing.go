package training

import (
	"math"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/config"
)

// ScheduledSamplingProb is 0 before useAfter and then grows along an inverse
// sigmoid toward maxProb.
func ScheduledSamplingProb(epoch, useAfter int, k, maxProb float64) float64 {
	if epoch < useAfter || k <= 0 {
		return 0
	}
	annealing := k / (k + math.Exp(float64(epoch-useAfter)/k))
	return math.Min(1-annealing, maxProb)
}

// MixerFrom returns the teacher-forced prefix length. A fixed value other
// than -1 is returned unchanged; -1 shrinks the prefix by one every
// decreaseEvery epochs of RL, never below 1.
func MixerFrom(epoch, rlStart, seqLength, fixed, decreaseEvery int) int {
	if fixed != -1 {
		return fixed
	}
	steps := int(math.Ceil(float64(epoch-rlStart+1) / float64(max(1, decreaseEvery))))
	return max(1, seqLength-steps)
}

// SCBCaptions returns how many consensus scores feed the baseline. A fixed
// value other than -1 is returned unchanged; -1 grows by one every
// increaseEvery epochs, capped at seqPerImg-1.
func SCBCaptions(epoch, cstStart, seqPerImg, fixed, increaseEvery int) int {
	if fixed != -1 {
		return fixed
	}
	steps := int(math.Ceil(float64(epoch-cstStart+1) / float64(max(1, increaseEvery))))
	return max(0, min(steps, seqPerImg-1))
}

// Schedule holds the resolved, immutable annealing settings of a run.
type Schedule struct {
	SSEnabled bool
	SSStart   int
	SSK       float64
	SSMaxProb float64

	RLEnabled bool
	RLStart   int

	MixerEnabled       bool
	MixerFrom          int
	MixerDecreaseEvery int
	SeqLength          int

	ConsensusEnabled bool
	ConsensusStart   int
	SCBCaptions      int
	IncreaseEvery    int
	SeqPerImg        int
}

// NewSchedule resolves the schedule for a run resuming at resumeEpoch. An
// RL start epoch of 0 means "start RL where the run resumes", and the
// consensus start follows it.
func NewSchedule(cfg *config.Config, resumeEpoch, seqLength, seqPerImg int) Schedule {
	s := Schedule{
		SSEnabled:          cfg.ScheduledSampling.Enabled,
		SSStart:            cfg.ScheduledSampling.StartEpoch,
		SSK:                cfg.ScheduledSampling.K,
		SSMaxProb:          cfg.ScheduledSampling.MaxProb,
		RLEnabled:          cfg.RL.Enabled,
		RLStart:            cfg.RL.StartEpoch,
		MixerEnabled:       cfg.Mixer.Enabled,
		MixerFrom:          cfg.Mixer.From,
		MixerDecreaseEvery: cfg.Mixer.DecreaseEvery,
		SeqLength:          seqLength,
		ConsensusEnabled:   cfg.Consensus.Enabled,
		ConsensusStart:     cfg.Consensus.StartEpoch,
		SCBCaptions:        cfg.Consensus.Captions,
		IncreaseEvery:      cfg.Consensus.IncreaseEvery,
		SeqPerImg:          seqPerImg,
	}
	if s.RLEnabled && s.RLStart == 0 {
		s.RLStart = resumeEpoch
		s.ConsensusStart = resumeEpoch
	}
	return s
}

// RLActive reports whether the RL objective applies at epoch.
func (s Schedule) RLActive(epoch int) bool {
	return s.RLEnabled && epoch >= s.RLStart
}

// Knobs computes the annealed values for epoch. Mixer and consensus knobs
// are zero unless the RL phase is active.
func (s Schedule) Knobs(epoch int, rlActive bool) checkpoints.Knobs {
	var k checkpoints.Knobs
	if s.SSEnabled {
		k.SSProb = ScheduledSamplingProb(epoch, s.SSStart, s.SSK, s.SSMaxProb)
	}
	if rlActive && s.MixerEnabled {
		k.MixerFrom = MixerFrom(epoch, s.RLStart, s.SeqLength, s.MixerFrom, s.MixerDecreaseEvery)
	}
	if rlActive && s.ConsensusEnabled {
		k.SCBCaptions = SCBCaptions(epoch, s.ConsensusStart, s.SeqPerImg, s.SCBCaptions, s.IncreaseEvery)
	}
	return k
}

// EpochKnobs is one row of a schedule preview.
type EpochKnobs struct {
	Epoch        int
	Phase        Phase
	Knobs        checkpoints.Knobs
	LearningRate float64
}

// Preview lists the knobs and learning rate for epochs [from, to), as a
// run started at from would see them.
func (s Schedule) Preview(from, to int, lr LRScheduler, baseLR float64) []EpochKnobs {
	rows := make([]EpochKnobs, 0, max(0, to-from))
	for e := from; e < to; e++ {
		active := s.RLActive(e)
		phase := PhaseXE
		if active {
			phase = PhaseRL
		}
		rows = append(rows, EpochKnobs{
			Epoch:        e,
			Phase:        phase,
			Knobs:        s.Knobs(e, active),
			LearningRate: lr.GetLR(e-from, 0, baseLR),
		})
	}
	return rows
}
