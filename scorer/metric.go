package scorer

import (
	"fmt"
	"strings"
)

// Metric identifies a caption-quality metric. Composite is the MSRVTT sum of
// the four base metrics and only ranks checkpoints.
type Metric int

const (
	Bleu4 Metric = iota
	CIDEr
	METEOR
	ROUGEL
	Composite
)

func (m Metric) String() string {
	switch m {
	case Bleu4:
		return "Bleu_4"
	case CIDEr:
		return "CIDEr"
	case METEOR:
		return "METEOR"
	case ROUGEL:
		return "ROUGE_L"
	case Composite:
		return "MSRVTT"
	default:
		return "Unknown"
	}
}

// ParseMetric maps a configuration name to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bleu_4", "bleu4", "bleu":
		return Bleu4, nil
	case "cider", "cider-d", "ciderd":
		return CIDEr, nil
	case "meteor":
		return METEOR, nil
	case "rouge_l", "rougel", "rouge":
		return ROUGEL, nil
	case "msrvtt":
		return Composite, nil
	default:
		return 0, fmt.Errorf("unknown metric %q (want Bleu_4, CIDEr, METEOR, ROUGE_L or MSRVTT)", name)
	}
}

// Rewardable reports whether the metric can drive a policy-gradient reward.
func (m Metric) Rewardable() bool {
	switch m {
	case Bleu4, CIDEr, METEOR, ROUGEL:
		return true
	default:
		return false
	}
}

// Components lists the base metrics summed by m.
func (m Metric) Components() []Metric {
	if m == Composite {
		return []Metric{Bleu4, METEOR, ROUGEL, CIDEr}
	}
	return []Metric{m}
}

// Value reads m from a named score mapping as produced by language
// evaluation; Composite sums its components.
func (m Metric) Value(scores map[string]float64) (float64, error) {
	total := 0.0
	for _, c := range m.Components() {
		v, ok := scores[c.String()]
		if !ok {
			return 0, fmt.Errorf("score %s missing from evaluation result", c)
		}
		total += v
	}
	return total, nil
}
