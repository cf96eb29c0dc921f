package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/go-cst/tensor"
	"github.com/tsawler/go-cst/training"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	// SeqPerImg is the number of caption rows served per video.
	SeqPerImg int
	// Shuffle reorders videos every epoch and picks captions at random.
	Shuffle bool
	Seed    uint64
}

// Loader serves fixed-size batches over a dataset, wrapping around at the
// end. Every wrap completes an epoch.
type Loader struct {
	ds        *Dataset
	opts      LoaderOptions
	labelled  bool
	consensus bool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
	epoch int
}

var _ training.DataLoader = (*Loader)(nil)

// NewLoader creates a loader positioned at the start of epoch 0.
func NewLoader(ds *Dataset, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.SeqPerImg <= 0 {
		return nil, fmt.Errorf("seq_per_img must be positive, got %d", opts.SeqPerImg)
	}
	l := &Loader{
		ds:       ds,
		opts:     opts,
		labelled: ds.HasCaptions(),
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		order:    make([]int, len(ds.Videos)),
	}
	l.consensus = l.labelled
	for _, v := range ds.Videos {
		if v.ConsensusScores == nil {
			l.consensus = false
			break
		}
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.shuffle()
	return l, nil
}

func (l *Loader) shuffle() {
	if !l.opts.Shuffle {
		return
	}
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// GetBatch returns the next BatchSize videos.
func (l *Loader) GetBatch(ctx context.Context) (*training.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.opts.BatchSize
	b := &training.Batch{IDs: make([]string, 0, n)}
	streams := make([][][]float64, len(l.ds.FeatureDims()))
	for i := 0; i < n; i++ {
		v := l.ds.Videos[l.order[l.pos]]
		b.IDs = append(b.IDs, v.ID)
		for s, f := range v.Features {
			streams[s] = append(streams[s], f)
		}
		if l.labelled {
			l.appendCaptions(b, v)
		}

		l.pos++
		if l.pos == len(l.order) {
			l.pos = 0
			l.epoch++
			l.shuffle()
		}
	}
	for s, rows := range streams {
		t, err := tensor.FromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("feature stream %d: %w", s, err)
		}
		b.Feats = append(b.Feats, t)
	}
	return b, nil
}

func (l *Loader) appendCaptions(b *training.Batch, v Video) {
	refs := make([][]int, len(v.Captions))
	for i, c := range v.Captions {
		refs[i] = l.ds.Encode(c)
	}
	b.Refs = append(b.Refs, refs)
	if l.consensus {
		b.ConsensusScores = append(b.ConsensusScores, v.ConsensusScores)
	}
	for _, ci := range l.pickCaptions(len(v.Captions)) {
		label, mask := l.label(refs[ci])
		b.Labels = append(b.Labels, label)
		b.Masks = append(b.Masks, mask)
	}
}

// pickCaptions chooses SeqPerImg caption indices, with replacement when the
// video has fewer captions than that.
func (l *Loader) pickCaptions(count int) []int {
	k := l.opts.SeqPerImg
	picked := make([]int, k)
	switch {
	case !l.opts.Shuffle:
		for i := range picked {
			picked[i] = i % count
		}
	case count >= k:
		copy(picked, l.rng.Perm(count)[:k])
	default:
		for i := range picked {
			picked[i] = l.rng.IntN(count)
		}
	}
	return picked
}

// label lays out BOS, the caption tokens and EOS in a row of SeqLength+2
// columns; the mask covers BOS through EOS.
func (l *Loader) label(tokens []int) ([]int, []float64) {
	width := l.ds.SeqLength + 2
	label := make([]int, width)
	mask := make([]float64, width)
	label[0] = BOS
	copy(label[1:], tokens)
	for i := 0; i < min(width, len(tokens)+1); i++ {
		mask[i] = 1
	}
	return label, mask
}

// Reset rewinds to the first video without changing the epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos = 0
}

func (l *Loader) CurrentEpoch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

func (l *Loader) SetCurrentEpoch(epoch int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
}

func (l *Loader) SeqPerImg() int    { return l.opts.SeqPerImg }
func (l *Loader) SeqLength() int    { return l.ds.SeqLength }
func (l *Loader) NumVideos() int    { return len(l.ds.Videos) }
func (l *Loader) BatchSize() int    { return l.opts.BatchSize }
func (l *Loader) HasLabel() bool    { return l.labelled }
func (l *Loader) Vocab() *Vocab     { return l.ds.Vocab }
func (l *Loader) Dataset() *Dataset { return l.ds }

// Decode renders token ids as words.
func (l *Loader) Decode(seq []int) string {
	return l.ds.Vocab.Decode(seq)
}
