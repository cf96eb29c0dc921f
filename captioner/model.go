// Package captioner is a small captioning model in pure Go. Each step sees
// the previous token and the video features:
//
//	h_t = tanh(E[w_{t-1}] + Σ_s W_s f_s + b_h)
//	log p(w_t) = log_softmax(B h_t + b_o)
//
// There is no recurrence, so gradients of a step stay within that step.
package captioner

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/tensor"
	"github.com/tsawler/go-cst/training"
)

const (
	tokenEOS = 0
	tokenBOS = 1
)

// Config sizes the model.
type Config struct {
	VocabSize   int
	FeatureDims []int
	HiddenSize  int
	// SeqLength is the longest caption, EOS excluded.
	SeqLength int
	Seed      uint64
}

// Model implements training.Model.
type Model struct {
	cfg Config
	rng *rand.Rand

	embed   *optimizer.Parameter   // [V, H]
	proj    []*optimizer.Parameter // [H, d_s] per feature stream
	hBias   *optimizer.Parameter   // [H]
	out     *optimizer.Parameter   // [V, H]
	outBias *optimizer.Parameter   // [V]

	training  bool
	ssProb    float64
	mixerFrom int
	seqPerImg int

	cache *forwardCache
}

var _ training.Model = (*Model)(nil)

type stepCache struct {
	video int
	prev  int
	h     []float64
	probs []float64
}

type forwardCache struct {
	feats []*tensor.Tensor
	steps [][]stepCache
}

// New creates a model with small random weights.
func New(cfg Config) (*Model, error) {
	switch {
	case cfg.VocabSize < 3:
		return nil, fmt.Errorf("vocabulary of %d tokens is too small", cfg.VocabSize)
	case cfg.HiddenSize <= 0:
		return nil, fmt.Errorf("hidden size must be positive, got %d", cfg.HiddenSize)
	case len(cfg.FeatureDims) == 0:
		return nil, fmt.Errorf("at least one feature stream is required")
	case cfg.SeqLength <= 0:
		return nil, fmt.Errorf("seq length must be positive, got %d", cfg.SeqLength)
	}
	m := &Model{
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		training:  true,
		seqPerImg: 1,
	}
	v, h := cfg.VocabSize, cfg.HiddenSize
	m.embed = m.newParam("embed", v, h)
	for i, d := range cfg.FeatureDims {
		if d <= 0 {
			return nil, fmt.Errorf("feature stream %d has dimension %d", i, d)
		}
		m.proj = append(m.proj, m.newParam(fmt.Sprintf("proj_%d", i), h, d))
	}
	m.hBias = m.newParam("h_bias", h)
	m.out = m.newParam("out", v, h)
	m.outBias = m.newParam("out_bias", v)
	return m, nil
}

func (m *Model) newParam(name string, shape ...int) *optimizer.Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	p := &optimizer.Parameter{Name: name, Shape: shape, Data: make([]float64, size), Grad: make([]float64, size)}
	if len(shape) > 1 {
		scale := 1 / math.Sqrt(float64(shape[len(shape)-1]))
		for i := range p.Data {
			p.Data[i] = (m.rng.Float64()*2 - 1) * scale
		}
	}
	return p
}

func (m *Model) Parameters() []*optimizer.Parameter {
	params := []*optimizer.Parameter{m.embed}
	params = append(params, m.proj...)
	return append(params, m.hBias, m.out, m.outBias)
}

func (m *Model) SetScheduledSamplingProb(p float64) { m.ssProb = p }
func (m *Model) SetMixerFrom(n int)                 { m.mixerFrom = n }
func (m *Model) SetTraining(training bool)          { m.training = training }

func (m *Model) SetSeqPerImg(n int) {
	m.seqPerImg = max(1, n)
}

// videoOf maps a row to its video: rows are per caption replicate when
// there are more rows than videos.
func (m *Model) videoOf(row, rows, videos int) int {
	if rows > videos {
		return row / m.seqPerImg
	}
	return row
}

// featureInput computes Σ_s W_s f_s + b_h for one video.
func (m *Model) featureInput(feats []*tensor.Tensor, video int) ([]float64, error) {
	if len(feats) != len(m.proj) {
		return nil, fmt.Errorf("got %d feature streams, model has %d", len(feats), len(m.proj))
	}
	h := m.cfg.HiddenSize
	out := append([]float64(nil), m.hBias.Data...)
	for s, f := range feats {
		vec, err := f.Vector(video)
		if err != nil {
			return nil, fmt.Errorf("feature stream %d: %w", s, err)
		}
		d := m.proj[s].Shape[1]
		if len(vec) != d {
			return nil, fmt.Errorf("feature stream %d has dimension %d, model expects %d", s, len(vec), d)
		}
		for i := 0; i < h; i++ {
			out[i] += floats.Dot(m.proj[s].Data[i*d:(i+1)*d], vec)
		}
	}
	return out, nil
}

// step runs one decoding step and returns the hidden state and token
// probabilities.
func (m *Model) step(base []float64, prev int) ([]float64, []float64) {
	hs, vs := m.cfg.HiddenSize, m.cfg.VocabSize
	h := make([]float64, hs)
	copy(h, m.embed.Data[prev*hs:(prev+1)*hs])
	floats.Add(h, base)
	for i := range h {
		h[i] = math.Tanh(h[i])
	}
	logits := make([]float64, vs)
	for j := 0; j < vs; j++ {
		logits[j] = floats.Dot(m.out.Data[j*hs:(j+1)*hs], h) + m.outBias.Data[j]
	}
	peak := floats.Max(logits)
	var sum float64
	for j, l := range logits {
		logits[j] = math.Exp(l - peak)
		sum += logits[j]
	}
	floats.Scale(1/sum, logits)
	return h, logits
}

func (m *Model) draw(probs []float64) int {
	u := m.rng.Float64()
	var acc float64
	for j, p := range probs {
		acc += p
		if u < acc {
			return j
		}
	}
	return len(probs) - 1
}

func logOf(p float64) float64 {
	return math.Log(math.Max(p, 1e-30))
}

// Forward runs teacher forcing over labels, or, with opts.Sample, keeps the
// first mixerFrom tokens of each label and samples the rest.
func (m *Model) Forward(ctx context.Context, feats []*tensor.Tensor, labels [][]int, opts training.ForwardOptions) (*training.ForwardResult, error) {
	if len(labels) == 0 || len(feats) == 0 {
		return nil, fmt.Errorf("empty forward input")
	}
	rows, videos := len(labels), feats[0].Shape[0]
	steps := len(labels[0]) - 1
	if steps <= 0 {
		return nil, fmt.Errorf("labels need at least two columns")
	}
	logProbs, err := tensor.Zeros([]int{rows, steps, m.cfg.VocabSize})
	if err != nil {
		return nil, err
	}
	res := &training.ForwardResult{
		LogProbs:    logProbs,
		Seq:         make([][]int, rows),
		SeqLogProbs: make([][]float64, rows),
	}
	cache := &forwardCache{feats: feats, steps: make([][]stepCache, rows)}
	bases := map[int][]float64{}

	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(labels[r]) != steps+1 {
			return nil, fmt.Errorf("label row %d has %d columns, want %d", r, len(labels[r]), steps+1)
		}
		v := m.videoOf(r, rows, videos)
		base, ok := bases[v]
		if !ok {
			if base, err = m.featureInput(feats, v); err != nil {
				return nil, err
			}
			bases[v] = base
		}
		seq := make([]int, steps)
		seqLogp := make([]float64, steps)
		cache.steps[r] = make([]stepCache, steps)
		var prev int
		var lastProbs []float64
		finished := false
		for t := 0; t < steps; t++ {
			switch {
			case t == 0:
				prev = tokenBOS
			case opts.Sample && t >= m.mixerFrom:
				prev = seq[t-1]
			case !opts.Sample && m.training && m.ssProb > 0 && m.rng.Float64() < m.ssProb:
				prev = m.draw(lastProbs)
			default:
				prev = labels[r][t]
			}
			h, probs := m.step(base, prev)
			lastProbs = probs

			tok := labels[r][t+1]
			if tok < 0 || tok >= m.cfg.VocabSize {
				return nil, fmt.Errorf("label token %d at [%d,%d] outside vocabulary of %d", tok, r, t+1, m.cfg.VocabSize)
			}
			if opts.Sample && t >= m.mixerFrom {
				if finished {
					tok = tokenEOS
				} else {
					tok = m.draw(probs)
				}
			}
			if tok == tokenEOS {
				finished = true
			}
			seq[t] = tok
			seqLogp[t] = logOf(probs[tok])

			dist, _ := logProbs.Vector(r, t)
			for j, p := range probs {
				dist[j] = logOf(p)
			}
			cache.steps[r][t] = stepCache{video: v, prev: prev, h: h, probs: probs}
		}
		res.Seq[r] = seq
		res.SeqLogProbs[r] = seqLogp
	}
	m.cache = cache
	return res, nil
}

// Backward accumulates parameter gradients from the gradient of the loss
// with respect to the last Forward's log-probabilities.
func (m *Model) Backward(ctx context.Context, grad *tensor.Tensor) error {
	c := m.cache
	if c == nil {
		return fmt.Errorf("backward called without a forward pass")
	}
	if grad == nil || grad.Dim() != 3 || grad.Shape[0] != len(c.steps) || grad.Shape[2] != m.cfg.VocabSize {
		return fmt.Errorf("gradient shape does not match the last forward pass")
	}
	hs, vs := m.cfg.HiddenSize, m.cfg.VocabSize
	dlogits := make([]float64, vs)
	dh := make([]float64, hs)
	for r, row := range c.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		for t, sc := range row {
			if t >= grad.Shape[1] {
				break
			}
			g, err := grad.Vector(r, t)
			if err != nil {
				return err
			}
			total := floats.Sum(g)
			if total == 0 && floats.Max(g) == 0 && floats.Min(g) == 0 {
				continue
			}
			for j := range dlogits {
				dlogits[j] = g[j] - sc.probs[j]*total
			}
			for i := range dh {
				dh[i] = 0
			}
			for j := 0; j < vs; j++ {
				floats.AddScaled(m.out.Grad[j*hs:(j+1)*hs], dlogits[j], sc.h)
				floats.AddScaled(dh, dlogits[j], m.out.Data[j*hs:(j+1)*hs])
			}
			floats.Add(m.outBias.Grad, dlogits)
			for i := range dh {
				dh[i] *= 1 - sc.h[i]*sc.h[i]
			}
			floats.Add(m.embed.Grad[sc.prev*hs:(sc.prev+1)*hs], dh)
			floats.Add(m.hBias.Grad, dh)
			for s, f := range c.feats {
				vec, _ := f.Vector(sc.video)
				d := m.proj[s].Shape[1]
				for i := 0; i < hs; i++ {
					floats.AddScaled(m.proj[s].Grad[i*d:(i+1)*d], dh[i], vec)
				}
			}
		}
	}
	return nil
}

// Sample decodes up to SeqLength+1 tokens per row. Beam search is not
// implemented; any beam size decodes greedily.
func (m *Model) Sample(ctx context.Context, feats []*tensor.Tensor, opts training.SampleOptions) (*training.SampleResult, error) {
	if len(feats) == 0 {
		return nil, fmt.Errorf("empty sample input")
	}
	videos := feats[0].Shape[0]
	rows := videos
	if opts.ExpandFeat {
		rows = videos * m.seqPerImg
	}
	steps := m.cfg.SeqLength + 1
	greedy := opts.Greedy || opts.BeamSize > 1
	res := &training.SampleResult{Seq: make([][]int, rows), LogProbs: make([][]float64, rows)}
	bases := map[int][]float64{}
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := r
		if opts.ExpandFeat {
			v = r / m.seqPerImg
		}
		base, ok := bases[v]
		if !ok {
			var err error
			if base, err = m.featureInput(feats, v); err != nil {
				return nil, err
			}
			bases[v] = base
		}
		seq := make([]int, steps)
		logps := make([]float64, steps)
		prev := tokenBOS
		for t := 0; t < steps; t++ {
			_, probs := m.step(base, prev)
			tok := floats.MaxIdx(probs)
			if !greedy {
				tok = m.draw(probs)
			}
			seq[t] = tok
			logps[t] = logOf(probs[tok])
			if tok == tokenEOS {
				break
			}
			prev = tok
		}
		res.Seq[r] = seq
		res.LogProbs[r] = logps
	}
	return res, nil
}

// StateDict copies every parameter.
func (m *Model) StateDict() []checkpoints.WeightTensor {
	params := m.Parameters()
	out := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return out
}

// LoadStateDict restores parameters by name; every parameter must be present
// with its exact shape.
func (m *Model) LoadStateDict(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	params := m.Parameters()
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("weights for %q missing", p.Name)
		}
		if len(w.Data) != len(p.Data) || !slices.Equal(w.Shape, p.Shape) {
			return fmt.Errorf("weights for %q have shape %v, model expects %v", p.Name, w.Shape, p.Shape)
		}
	}
	for _, p := range params {
		copy(p.Data, byName[p.Name].Data)
	}
	return nil
}
