package training

import (
	"testing"

	"github.com/tsawler/go-cst/config"
)

func TestScheduledSamplingProb(t *testing.T) {
	const useAfter, k, maxProb = 3, 5.0, 0.25
	for e := 0; e < useAfter; e++ {
		if p := ScheduledSamplingProb(e, useAfter, k, maxProb); p != 0 {
			t.Fatalf("epoch %d: prob %v before useAfter", e, p)
		}
	}
	prev := 0.0
	for e := useAfter; e < 200; e++ {
		p := ScheduledSamplingProb(e, useAfter, k, maxProb)
		if p < prev {
			t.Fatalf("epoch %d: prob decreased %v -> %v", e, prev, p)
		}
		if p > maxProb {
			t.Fatalf("epoch %d: prob %v above max %v", e, p, maxProb)
		}
		prev = p
	}
	if prev != maxProb {
		t.Errorf("prob should saturate at max, got %v", prev)
	}
}

func TestMixerFromAnnealing(t *testing.T) {
	const rlStart, seqLength, every = 4, 6, 2
	prev := seqLength
	for e := rlStart; e < 60; e++ {
		m := MixerFrom(e, rlStart, seqLength, -1, every)
		if m > prev {
			t.Fatalf("epoch %d: mixer increased %d -> %d", e, prev, m)
		}
		if m < 1 {
			t.Fatalf("epoch %d: mixer %d below 1", e, m)
		}
		prev = m
	}
	if got := MixerFrom(rlStart, rlStart, seqLength, -1, every); got != seqLength-1 {
		t.Errorf("first RL epoch mixer = %d, want %d", got, seqLength-1)
	}
	if got := MixerFrom(rlStart+2, rlStart, seqLength, -1, every); got != seqLength-2 {
		t.Errorf("third RL epoch mixer = %d, want %d", got, seqLength-2)
	}
	if got := MixerFrom(100, rlStart, seqLength, 3, every); got != 3 {
		t.Errorf("fixed mixer = %d, want 3", got)
	}
}

func TestSCBCaptionsAnnealing(t *testing.T) {
	const start, seqPerImg, every = 2, 5, 3
	prev := 0
	for e := start; e < 60; e++ {
		n := SCBCaptions(e, start, seqPerImg, -1, every)
		if n < prev {
			t.Fatalf("epoch %d: count decreased %d -> %d", e, prev, n)
		}
		if n > seqPerImg-1 {
			t.Fatalf("epoch %d: count %d above %d", e, n, seqPerImg-1)
		}
		prev = n
	}
	if got := SCBCaptions(start, start, seqPerImg, -1, every); got != 1 {
		t.Errorf("first epoch count = %d, want 1", got)
	}
	if got := SCBCaptions(start+3, start, seqPerImg, -1, every); got != 2 {
		t.Errorf("fourth epoch count = %d, want 2", got)
	}
	if got := SCBCaptions(start-5, start, seqPerImg, -1, every); got != 0 {
		t.Errorf("count before start = %d, want 0", got)
	}
	if got := SCBCaptions(7, start, seqPerImg, 3, every); got != 3 {
		t.Errorf("fixed count = %d, want 3", got)
	}
}

func TestNewScheduleRLStartsAtResume(t *testing.T) {
	cfg := config.Default()
	cfg.RL.Enabled = true
	cfg.RL.StartEpoch = 0
	cfg.Consensus.Enabled = true
	cfg.Consensus.StartEpoch = 9

	s := NewSchedule(&cfg, 7, 10, 5)
	if s.RLStart != 7 || s.ConsensusStart != 7 {
		t.Fatalf("starts = %d/%d, want 7/7", s.RLStart, s.ConsensusStart)
	}
	if s.RLActive(6) || !s.RLActive(7) {
		t.Error("RL should activate at the resume epoch")
	}

	cfg.RL.StartEpoch = 3
	s = NewSchedule(&cfg, 7, 10, 5)
	if s.RLStart != 3 || s.ConsensusStart != 9 {
		t.Fatalf("explicit starts = %d/%d", s.RLStart, s.ConsensusStart)
	}
}

func TestScheduleKnobsOnlyInRL(t *testing.T) {
	cfg := config.Default()
	cfg.RL.Enabled = true
	cfg.RL.StartEpoch = 2
	cfg.Mixer.Enabled = true
	cfg.Consensus.Enabled = true
	cfg.Consensus.StartEpoch = 2
	s := NewSchedule(&cfg, 0, 8, 4)

	if k := s.Knobs(1, false); k.MixerFrom != 0 || k.SCBCaptions != 0 {
		t.Errorf("XE knobs = %+v", k)
	}
	if k := s.Knobs(2, true); k.MixerFrom != 7 || k.SCBCaptions != 1 {
		t.Errorf("RL knobs = %+v", k)
	}

	rows := s.Preview(0, 4, NewStepLRScheduler(2, 0.5), 1)
	if len(rows) != 4 || rows[1].Phase != PhaseXE || rows[2].Phase != PhaseRL {
		t.Fatalf("unexpected preview: %+v", rows)
	}
	if rows[3].LearningRate != 0.5 {
		t.Errorf("epoch 3 lr = %v, want 0.5", rows[3].LearningRate)
	}
}
