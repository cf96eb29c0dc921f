package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/langeval"
	"github.com/tsawler/go-cst/logging"
)

// ValidatorConfig configures a validation or test pass.
type ValidatorConfig struct {
	BeamSize     int
	LanguageEval bool
	// RefsFile is the coco-format references file for language evaluation.
	RefsFile string
	// PredictionDir receives the temporary predictions file; empty uses the
	// system temp dir.
	PredictionDir string
	OutputLogp    bool
	// GTAvgLogpsFile receives the videos × seq_per_img matrix of ground
	// truth average log-probabilities when OutputLogp is set.
	GTAvgLogpsFile string
	// Progress, when non-nil, receives a progress bar.
	Progress io.Writer
}

// ValidationResult holds predictions and merged scores of one pass.
type ValidationResult struct {
	Predictions []langeval.Prediction `json:"predictions"`
	Scores      map[string]float64    `json:"scores"`
}

// Validator runs a model in inference mode over a held-out loader.
type Validator struct {
	config    ValidatorConfig
	evaluator LanguageEvaluator
	criterion *MaskedCrossEntropy
	logger    *slog.Logger
}

// NewValidator creates a validator. evaluator may be nil when language
// evaluation is disabled.
func NewValidator(config ValidatorConfig, evaluator LanguageEvaluator, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.BeamSize <= 0 {
		config.BeamSize = 1
	}
	return &Validator{
		config:    config,
		evaluator: evaluator,
		criterion: NewMaskedCrossEntropy(),
		logger:    logging.NewComponentLogger(logger, "validator"),
	}
}

// Run decodes every video of loader once and scores the predictions. The
// result always carries "Loss" (the negated mean loss, rounded to three
// decimals); language metrics and "avglogp" are added when enabled.
func (v *Validator) Run(ctx context.Context, model Model, loader DataLoader) (*ValidationResult, error) {
	model.SetTraining(false)
	defer model.SetTraining(true)
	loader.Reset()

	numVideos := loader.NumVideos()
	batchSize := loader.BatchSize()
	if numVideos == 0 || batchSize <= 0 {
		return nil, classify(ErrBatch, "validation loader has %d videos and batch size %d", numVideos, batchSize)
	}
	numIters := (numVideos + batchSize - 1) / batchSize
	lastBatch := numVideos % batchSize
	seqPerImg := loader.SeqPerImg()
	model.SetSeqPerImg(seqPerImg)
	v.logger.Info("validation started",
		logging.Int("num_iters", numIters),
		logging.Int("batch_size", batchSize),
		logging.Int("seq_per_img", seqPerImg))

	var bar *progressbar.ProgressBar
	if v.config.Progress != nil {
		bar = progressbar.NewOptions(numIters,
			progressbar.OptionSetWriter(v.config.Progress),
			progressbar.OptionSetDescription("validating"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		defer bar.Finish()
	}

	var (
		lossSum     float64
		predictions = make([]langeval.Prediction, 0, numVideos)
		gtAvgLogps  []float64
		avgLogps    []float64
	)
	for i := 0; i < numIters; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.GetBatch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBatch, err)
		}
		if i == numIters-1 && lastBatch > 0 {
			if batch, err = batch.Slice(lastBatch, seqPerImg); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBatch, err)
			}
		}
		if err := batch.check(seqPerImg, loader.HasLabel()); err != nil {
			return nil, err
		}

		if loader.HasLabel() {
			res, err := model.Forward(ctx, batch.Feats, batch.Labels, ForwardOptions{})
			if err != nil {
				return nil, fmt.Errorf("%w: forward: %w", ErrBatch, err)
			}
			loss, err := v.criterion.Forward(res.LogProbs, shiftLabels(batch.Labels), shiftMasks(batch.Masks))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBatch, err)
			}
			lossSum += loss.Value
			if v.config.OutputLogp {
				gtAvgLogps = append(gtAvgLogps, AvgLogProbs(res.Seq, res.SeqLogProbs)...)
			}
		}

		sample, err := model.Sample(ctx, batch.Feats, SampleOptions{Greedy: true, BeamSize: v.config.BeamSize})
		if err != nil {
			return nil, fmt.Errorf("%w: sample: %w", ErrBatch, err)
		}
		if len(sample.Seq) != batch.Videos() {
			return nil, classify(ErrBatch, "model decoded %d sequences for %d videos", len(sample.Seq), batch.Videos())
		}
		var sampleLogps []float64
		if v.config.OutputLogp {
			sampleLogps = AvgLogProbs(sample.Seq, sample.LogProbs)
			avgLogps = append(avgLogps, sampleLogps...)
		}
		for j, seq := range sample.Seq {
			p := langeval.Prediction{ImageID: batch.IDs[j], Caption: loader.Decode(seq)}
			if v.config.OutputLogp {
				p.AvgLogp = &sampleLogps[j]
			}
			predictions = append(predictions, p)
			v.logger.Debug("decoded", logging.String("video", p.ImageID), logging.String("caption", p.Caption))
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	loss := math.Round(lossSum/float64(numIters)*1000) / 1000
	result := &ValidationResult{
		Predictions: predictions,
		Scores:      map[string]float64{"Loss": -loss},
	}

	if v.config.LanguageEval && loader.HasLabel() {
		stats, err := v.languageEval(ctx, predictions)
		if err != nil {
			return nil, err
		}
		for k, s := range stats {
			result.Scores[k] = s
		}
	}

	if v.config.OutputLogp {
		result.Scores["avglogp"] = mean(avgLogps)
		if loader.HasLabel() {
			if err := v.writeGTAvgLogps(gtAvgLogps, numVideos, seqPerImg); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (v *Validator) languageEval(ctx context.Context, predictions []langeval.Prediction) (map[string]float64, error) {
	if v.evaluator == nil {
		return nil, classify(ErrConfig, "language evaluation enabled without an evaluator")
	}
	dir := v.config.PredictionDir
	if dir == "" {
		dir = os.TempDir()
	}
	tmp := filepath.Join(dir, "predictions-"+uuid.NewString()+".json")
	if err := langeval.WritePredictions(tmp, predictions); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	defer os.Remove(tmp)

	v.logger.Info("language evaluation", logging.Int("predictions", len(predictions)))
	stats, err := v.evaluator.Evaluate(ctx, v.config.RefsFile, tmp)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: language evaluation: %w", ErrScoring, err)
	}
	return stats, nil
}

func (v *Validator) writeGTAvgLogps(values []float64, numVideos, seqPerImg int) error {
	if v.config.GTAvgLogpsFile == "" {
		return nil
	}
	if len(values) != numVideos*seqPerImg {
		return classify(ErrBatch, "%d ground-truth log-probabilities for %d videos × %d captions", len(values), numVideos, seqPerImg)
	}
	rows := make([][]float64, numVideos)
	for i := range rows {
		rows[i] = values[i*seqPerImg : (i+1)*seqPerImg]
	}
	if err := checkpoints.SaveMatrix(v.config.GTAvgLogpsFile, rows); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	v.logger.Info("wrote ground-truth logp", logging.String("path", v.config.GTAvgLogpsFile))
	return nil
}

// AvgLogProbs averages each row's token log-probabilities up to and
// including the first EOS.
func AvgLogProbs(seq [][]int, logProbs [][]float64) []float64 {
	out := make([]float64, len(seq))
	for i, row := range seq {
		var sum float64
		n := 0
		for t, tok := range row {
			if t >= len(logProbs[i]) {
				break
			}
			sum += logProbs[i][t]
			n++
			if tok == 0 {
				break
			}
		}
		if n > 0 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// shiftLabels drops the leading BOS column.
func shiftLabels(labels [][]int) [][]int {
	out := make([][]int, len(labels))
	for i, row := range labels {
		if len(row) > 0 {
			out[i] = row[1:]
		}
	}
	return out
}

func shiftMasks(masks [][]float64) [][]float64 {
	out := make([][]float64, len(masks))
	for i, row := range masks {
		if len(row) > 0 {
			out[i] = row[1:]
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
