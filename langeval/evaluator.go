package langeval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/scorer"
)

// Options configures an Evaluator. METEOR is skipped when MeteorJar is empty.
type Options struct {
	Java      string
	MeteorJar string
	Logger    *slog.Logger
}

// Evaluator runs the coco caption metrics over prediction files.
type Evaluator struct {
	scorers []scorer.Scorer
	logger  *slog.Logger

	mu   sync.Mutex
	refs map[string]map[string][]string
}

func New(opts Options) (*Evaluator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Evaluator{
		logger: logging.NewComponentLogger(logger, "langeval"),
		refs:   make(map[string]map[string][]string),
		scorers: []scorer.Scorer{
			scorer.NewBleu(4),
			scorer.NewRouge(),
			scorer.NewCider(false, 0, nil),
		},
	}
	if opts.MeteorJar != "" {
		m, err := scorer.NewMeteor(opts.Java, opts.MeteorJar)
		if err != nil {
			return nil, err
		}
		e.scorers = append(e.scorers, m)
	}
	return e, nil
}

// Evaluate scores every prediction in predsFile against refsFile. Only ids
// present in the predictions are scored.
func (e *Evaluator) Evaluate(ctx context.Context, refsFile, predsFile string) (map[string]float64, error) {
	refs, err := e.references(refsFile)
	if err != nil {
		return nil, err
	}
	preds, err := LoadPredictions(predsFile)
	if err != nil {
		return nil, err
	}
	return e.Score(ctx, preds, refs)
}

// Score computes the named metrics for in-memory predictions.
func (e *Evaluator) Score(ctx context.Context, preds map[string]string, refs map[string][]string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range e.scorers {
		res, err := s.Score(ctx, preds, refs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Metric(), err)
		}
		if len(res.Components) > 0 {
			for name, v := range res.Components {
				out[name] = v
			}
		} else {
			out[s.Metric().String()] = res.Corpus
		}
	}
	e.logger.Debug("language evaluation complete", logging.Int("predictions", len(preds)), logging.Any("scores", out))
	return out, nil
}

func (e *Evaluator) references(path string) (map[string][]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if refs, ok := e.refs[path]; ok {
		return refs, nil
	}
	refs, err := LoadReferences(path)
	if err != nil {
		return nil, err
	}
	e.refs[path] = refs
	return refs, nil
}

// Close stops the METEOR process, if one was started.
func (e *Evaluator) Close() error {
	var firstErr error
	for _, s := range e.scorers {
		if err := scorer.Close(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
