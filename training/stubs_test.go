package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/scorer"
	"github.com/tsawler/go-cst/tensor"
)

const stubVocab = 6

// stubLoader serves full batches over a fixed set of videos, wrapping around
// and counting an epoch every time it passes the last video.
type stubLoader struct {
	videos    int
	batchSize int
	seqPerImg int
	seqLength int
	unlabeled bool

	pos   int
	epoch int
	err   error
	// consensus attaches precomputed consensus scores to every batch.
	consensus bool
}

func (l *stubLoader) GetBatch(ctx context.Context) (*Batch, error) {
	if l.err != nil {
		return nil, l.err
	}
	b := &Batch{}
	feats, err := tensor.Zeros([]int{l.batchSize, 2})
	if err != nil {
		return nil, err
	}
	b.Feats = []*tensor.Tensor{feats}
	for i := 0; i < l.batchSize; i++ {
		b.IDs = append(b.IDs, fmt.Sprintf("video%d", l.pos))
		b.Refs = append(b.Refs, [][]int{{3, 4, 0}, {3, 5, 0}})
		if l.consensus {
			b.ConsensusScores = append(b.ConsensusScores, []float64{0.5, 1.5})
		}
		for j := 0; j < l.seqPerImg; j++ {
			label := make([]int, l.seqLength+2)
			mask := make([]float64, l.seqLength+2)
			label[0], label[1], label[2] = 1, 3, 4
			for k := 0; k < 4 && k < len(mask); k++ {
				mask[k] = 1
			}
			b.Labels = append(b.Labels, label)
			b.Masks = append(b.Masks, mask)
		}
		l.pos++
		if l.pos == l.videos {
			l.pos = 0
			l.epoch++
		}
	}
	if l.unlabeled {
		b.Labels, b.Masks, b.Refs = nil, nil, nil
	}
	return b, nil
}

func (l *stubLoader) Reset()                    { l.pos = 0 }
func (l *stubLoader) CurrentEpoch() int         { return l.epoch }
func (l *stubLoader) SetCurrentEpoch(epoch int) { l.epoch = epoch }
func (l *stubLoader) SeqPerImg() int            { return l.seqPerImg }
func (l *stubLoader) SeqLength() int            { return l.seqLength }
func (l *stubLoader) NumVideos() int            { return l.videos }
func (l *stubLoader) BatchSize() int            { return l.batchSize }
func (l *stubLoader) HasLabel() bool            { return !l.unlabeled }

func (l *stubLoader) Decode(seq []int) string {
	var words []string
	for _, tok := range seq {
		if tok == 0 {
			break
		}
		words = append(words, fmt.Sprintf("w%d", tok))
	}
	return strings.Join(words, " ")
}

// stubModel predicts a uniform distribution and reports a fixed gradient.
type stubModel struct {
	weight    *optimizer.Parameter
	gradValue float64
	sampled   []int
	greedy    []int

	training   bool
	seqPerImg  int
	ssProbs    []float64
	mixerFroms []int
	forwards   int
	samples    []SampleOptions
	rlForwards int
}

func newStubModel() *stubModel {
	return &stubModel{
		weight:    &optimizer.Parameter{Name: "w", Shape: []int{2}, Data: []float64{0.5, -0.5}, Grad: make([]float64, 2)},
		gradValue: 0.01,
		sampled:   []int{3, 4, 0},
		greedy:    []int{3, 4, 0},
		training:  true,
	}
}

func (m *stubModel) Forward(ctx context.Context, feats []*tensor.Tensor, labels [][]int, opts ForwardOptions) (*ForwardResult, error) {
	m.forwards++
	if opts.Sample {
		m.rlForwards++
	}
	rows := len(labels)
	steps := len(labels[0]) - 1
	logp := math.Log(1.0 / stubVocab)
	probs, err := tensor.Full([]int{rows, steps, stubVocab}, logp)
	if err != nil {
		return nil, err
	}
	res := &ForwardResult{LogProbs: probs}
	for _, row := range labels {
		seq := append([]int(nil), row[1:]...)
		if opts.Sample {
			seq = make([]int, steps)
			copy(seq, m.sampled)
		}
		lp := make([]float64, steps)
		for t := range lp {
			lp[t] = logp
		}
		res.Seq = append(res.Seq, seq)
		res.SeqLogProbs = append(res.SeqLogProbs, lp)
	}
	return res, nil
}

func (m *stubModel) Sample(ctx context.Context, feats []*tensor.Tensor, opts SampleOptions) (*SampleResult, error) {
	m.samples = append(m.samples, opts)
	rows := feats[0].Shape[0]
	if opts.ExpandFeat {
		rows *= m.seqPerImg
	}
	res := &SampleResult{}
	for i := 0; i < rows; i++ {
		res.Seq = append(res.Seq, append([]int(nil), m.greedy...))
		res.LogProbs = append(res.LogProbs, []float64{-1, -1, -1})
	}
	return res, nil
}

func (m *stubModel) Backward(ctx context.Context, grad *tensor.Tensor) error {
	if !grad.AllFinite() {
		return errors.New("non-finite gradient")
	}
	for i := range m.weight.Grad {
		m.weight.Grad[i] += m.gradValue
	}
	return nil
}

func (m *stubModel) SetScheduledSamplingProb(p float64) { m.ssProbs = append(m.ssProbs, p) }
func (m *stubModel) SetMixerFrom(n int)                 { m.mixerFroms = append(m.mixerFroms, n) }
func (m *stubModel) SetSeqPerImg(n int)                 { m.seqPerImg = n }
func (m *stubModel) SetTraining(training bool)          { m.training = training }

func (m *stubModel) Parameters() []*optimizer.Parameter {
	return []*optimizer.Parameter{m.weight}
}

func (m *stubModel) StateDict() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{{
		Name:  m.weight.Name,
		Shape: append([]int(nil), m.weight.Shape...),
		Data:  append([]float64(nil), m.weight.Data...),
	}}
}

func (m *stubModel) LoadStateDict(weights []checkpoints.WeightTensor) error {
	if len(weights) != 1 || len(weights[0].Data) != len(m.weight.Data) {
		return errors.New("weight shape mismatch")
	}
	copy(m.weight.Data, weights[0].Data)
	return nil
}

// stubEvaluator returns scripted scores, one entry per call; the last entry
// repeats.
type stubEvaluator struct {
	mu     sync.Mutex
	scores []map[string]float64
	calls  int
	files  []string
}

func (e *stubEvaluator) Evaluate(ctx context.Context, refsFile, predsFile string) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files = append(e.files, predsFile)
	i := min(e.calls, len(e.scores)-1)
	e.calls++
	out := make(map[string]float64, len(e.scores[i]))
	for k, v := range e.scores[i] {
		out[k] = v
	}
	return out, nil
}

// lengthScorer scores a hypothesis by its word count.
type lengthScorer struct {
	err   error
	calls int
}

func (s *lengthScorer) Metric() scorer.Metric { return scorer.CIDEr }

func (s *lengthScorer) Score(ctx context.Context, hyps map[string]string, refs map[string][]string) (scorer.Result, error) {
	s.calls++
	if s.err != nil {
		return scorer.Result{}, s.err
	}
	res := scorer.Result{PerSample: make(map[string]float64, len(hyps))}
	for id, h := range hyps {
		res.PerSample[id] = float64(len(strings.Fields(h)))
		res.Corpus += res.PerSample[id]
	}
	if len(hyps) > 0 {
		res.Corpus /= float64(len(hyps))
	}
	return res, nil
}
