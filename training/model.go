package training

import (
	"context"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/tensor"
)

// Batch is one iteration's worth of training or evaluation data.
type Batch struct {
	// Feats holds one [videos, dim] tensor per feature stream.
	Feats []*tensor.Tensor
	// Labels has one row per caption replicate (videos × seq_per_img); each
	// row starts with BOS and is padded with 0.
	Labels [][]int
	// Masks marks valid label positions with 1.
	Masks [][]float64
	// Refs holds every ground-truth caption of each video as token ids.
	Refs [][][]int
	IDs  []string
	// ConsensusScores optionally carries precomputed leave-one-out scores
	// per video, aligned with Refs.
	ConsensusScores [][]float64
}

// Videos returns the number of videos in the batch.
func (b *Batch) Videos() int { return len(b.IDs) }

// Slice keeps the first n videos and their caption rows.
func (b *Batch) Slice(n, seqPerImg int) (*Batch, error) {
	if n >= b.Videos() {
		return b, nil
	}
	out := &Batch{IDs: b.IDs[:n]}
	for _, f := range b.Feats {
		narrowed, err := f.Narrow(n)
		if err != nil {
			return nil, err
		}
		out.Feats = append(out.Feats, narrowed)
	}
	if b.Labels != nil {
		rows := min(len(b.Labels), n*seqPerImg)
		out.Labels = b.Labels[:rows]
		out.Masks = b.Masks[:rows]
	}
	if b.Refs != nil {
		out.Refs = b.Refs[:min(n, len(b.Refs))]
	}
	if b.ConsensusScores != nil {
		out.ConsensusScores = b.ConsensusScores[:min(n, len(b.ConsensusScores))]
	}
	return out, nil
}

// check verifies the batch is internally consistent.
func (b *Batch) check(seqPerImg int, labelled bool) error {
	n := b.Videos()
	if n == 0 {
		return classify(ErrBatch, "empty batch")
	}
	for i, f := range b.Feats {
		if f == nil || f.Dim() == 0 || f.Shape[0] != n {
			return classify(ErrBatch, "feature stream %d does not have %d rows", i, n)
		}
	}
	if !labelled {
		return nil
	}
	if len(b.Labels) != n*seqPerImg {
		return classify(ErrBatch, "%d label rows for %d videos × %d captions", len(b.Labels), n, seqPerImg)
	}
	if len(b.Masks) != len(b.Labels) {
		return classify(ErrBatch, "%d mask rows for %d label rows", len(b.Masks), len(b.Labels))
	}
	for i := range b.Labels {
		if len(b.Masks[i]) != len(b.Labels[i]) {
			return classify(ErrBatch, "mask row %d has %d columns, labels have %d", i, len(b.Masks[i]), len(b.Labels[i]))
		}
	}
	if b.Refs != nil && len(b.Refs) != n {
		return classify(ErrBatch, "%d reference sets for %d videos", len(b.Refs), n)
	}
	return nil
}

// DataLoader serves batches and tracks epochs. An epoch ends when the
// loader wraps around its videos.
type DataLoader interface {
	GetBatch(ctx context.Context) (*Batch, error)
	Reset()
	CurrentEpoch() int
	SetCurrentEpoch(epoch int)
	SeqPerImg() int
	SeqLength() int
	NumVideos() int
	BatchSize() int
	HasLabel() bool
	// Decode renders token ids as words, stopping at the first EOS.
	Decode(seq []int) string
}

// ForwardOptions select the model's forward mode.
type ForwardOptions struct {
	// Sample decodes from the model after the mixer prefix instead of
	// teacher forcing every step.
	Sample bool
}

// ForwardResult is the output of a training forward pass.
type ForwardResult struct {
	// LogProbs is [rows, steps, vocab]. Backward expects a gradient of the
	// same shape.
	LogProbs *tensor.Tensor
	// Seq is the token taken at each step: the label in teacher forcing,
	// the sampled token otherwise.
	Seq [][]int
	// SeqLogProbs is the log-probability of each Seq token.
	SeqLogProbs [][]float64
}

// SampleOptions control inference decoding.
type SampleOptions struct {
	Greedy   bool
	BeamSize int
	// ExpandFeat decodes seq_per_img rows per video instead of one.
	ExpandFeat bool
}

// SampleResult holds decoded sequences and their token log-probabilities.
type SampleResult struct {
	Seq      [][]int
	LogProbs [][]float64
}

// Model is the captioning network under training.
type Model interface {
	Forward(ctx context.Context, feats []*tensor.Tensor, labels [][]int, opts ForwardOptions) (*ForwardResult, error)
	Sample(ctx context.Context, feats []*tensor.Tensor, opts SampleOptions) (*SampleResult, error)
	// Backward accumulates parameter gradients from the gradient of the
	// loss with respect to the last Forward's LogProbs.
	Backward(ctx context.Context, grad *tensor.Tensor) error

	SetScheduledSamplingProb(p float64)
	SetMixerFrom(n int)
	SetSeqPerImg(n int)
	SetTraining(training bool)

	Parameters() []*optimizer.Parameter
	StateDict() []checkpoints.WeightTensor
	LoadStateDict(weights []checkpoints.WeightTensor) error
}

// LanguageEvaluator scores a predictions file against a references file.
type LanguageEvaluator interface {
	Evaluate(ctx context.Context, refsFile, predsFile string) (map[string]float64, error)
}
