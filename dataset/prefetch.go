package dataset

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsawler/go-cst/training"
)

// prefetched is a batch together with the loader epoch right after it was
// produced.
type prefetched struct {
	batch *training.Batch
	epoch int
	err   error
}

// Prefetcher prepares batches of an underlying loader in a background
// goroutine. Epoch bookkeeping follows the batches handed out, not the ones
// queued.
type Prefetcher struct {
	inner training.DataLoader
	depth int

	mu       sync.Mutex
	items    chan prefetched
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	epoch    int
	produced uint64
	consumed uint64
}

var _ training.DataLoader = (*Prefetcher)(nil)

// NewPrefetcher wraps inner. depth is the number of batches kept ready.
func NewPrefetcher(inner training.DataLoader, depth int) (*Prefetcher, error) {
	if inner == nil {
		return nil, fmt.Errorf("prefetcher needs a loader")
	}
	if depth <= 0 {
		depth = 2
	}
	return &Prefetcher{inner: inner, depth: depth, epoch: inner.CurrentEpoch()}, nil
}

func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.items = make(chan prefetched, p.depth)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.worker(ctx, p.items, p.done)
}

func (p *Prefetcher) worker(ctx context.Context, items chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	for {
		b, err := p.inner.GetBatch(ctx)
		item := prefetched{batch: b, epoch: p.inner.CurrentEpoch(), err: err}
		select {
		case items <- item:
			p.mu.Lock()
			p.produced++
			p.mu.Unlock()
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// stop halts the worker and discards queued batches. Callers hold p.mu.
func (p *Prefetcher) stop() {
	if !p.running {
		return
	}
	p.cancel()
	p.mu.Unlock()
	<-p.done
	p.mu.Lock()
	for len(p.items) > 0 {
		<-p.items
	}
	p.running = false
}

// GetBatch returns the next prepared batch, starting the worker on first use.
func (p *Prefetcher) GetBatch(ctx context.Context) (*training.Batch, error) {
	p.mu.Lock()
	if !p.running {
		p.start()
	}
	items := p.items
	p.mu.Unlock()

	select {
	case item := <-items:
		p.mu.Lock()
		defer p.mu.Unlock()
		if item.err != nil {
			p.running = false
			return nil, fmt.Errorf("prefetch: %w", item.err)
		}
		p.epoch = item.epoch
		p.consumed++
		return item.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset discards queued batches and rewinds the underlying loader.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.inner.Reset()
	p.epoch = p.inner.CurrentEpoch()
}

func (p *Prefetcher) CurrentEpoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// SetCurrentEpoch discards queued batches and moves both loaders to epoch.
func (p *Prefetcher) SetCurrentEpoch(epoch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.inner.SetCurrentEpoch(epoch)
	p.epoch = epoch
}

// Close stops the background worker.
func (p *Prefetcher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	return nil
}

func (p *Prefetcher) SeqPerImg() int          { return p.inner.SeqPerImg() }
func (p *Prefetcher) SeqLength() int          { return p.inner.SeqLength() }
func (p *Prefetcher) NumVideos() int          { return p.inner.NumVideos() }
func (p *Prefetcher) BatchSize() int          { return p.inner.BatchSize() }
func (p *Prefetcher) HasLabel() bool          { return p.inner.HasLabel() }
func (p *Prefetcher) Decode(seq []int) string { return p.inner.Decode(seq) }

// PrefetchStats describes the prefetch queue.
type PrefetchStats struct {
	Running  bool
	Produced uint64
	Consumed uint64
	Queued   int
	Capacity int
}

// Stats returns a snapshot of the prefetch queue.
func (p *Prefetcher) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PrefetchStats{Running: p.running, Produced: p.produced, Consumed: p.consumed, Capacity: p.depth}
	if p.items != nil {
		s.Queued = len(p.items)
	}
	return s
}
