package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/history"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/scorer"
)

// CheckpointConfig configures checkpoint and history persistence.
type CheckpointConfig struct {
	ModelFile string                       // Canonical best-checkpoint path
	Format    checkpoints.CheckpointFormat // JSON or protobuf
	Metric    scorer.Metric                // Validation metric ranking checkpoints
	// RankByLoss ranks on the negated validation loss when language
	// evaluation is disabled.
	RankByLoss bool
	RunConfig  json.RawMessage // Resolved configuration stored with each checkpoint
	RunID      string
}

// CheckpointManager keeps the single best checkpoint and the epoch history.
type CheckpointManager struct {
	config  CheckpointConfig
	saver   *checkpoints.CheckpointSaver
	history *history.Log
	store   *history.Store
	logger  *slog.Logger
}

// NewCheckpointManager creates a checkpoint manager. store may be nil.
func NewCheckpointManager(config CheckpointConfig, hist *history.Log, store *history.Store, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CheckpointManager{
		config:  config,
		saver:   checkpoints.NewCheckpointSaver(config.Format),
		history: hist,
		store:   store,
		logger:  logging.NewComponentLogger(logger, "checkpoint"),
	}
}

// History exposes the epoch log.
func (cm *CheckpointManager) History() *history.Log {
	return cm.history
}

// CurrentScore reads the ranking score from the state's validation scores.
func (cm *CheckpointManager) CurrentScore(state checkpoints.TrainingState) (float64, error) {
	if cm.config.RankByLoss {
		v, ok := state.Scores["Loss"]
		if !ok {
			return 0, classify(ErrScoring, "validation loss missing from scores")
		}
		return v, nil
	}
	v, err := cm.config.Metric.Value(state.Scores)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrScoring, err)
	}
	return v, nil
}

// CheckIfBest updates the best-score fields and rewrites the checkpoint
// when the current score ties or beats the best one, then records the
// epoch in the history and rewrites the history file. Ties favour the
// later epoch.
func (cm *CheckpointManager) CheckIfBest(ctx context.Context, state *checkpoints.TrainingState, model Model, opt optimizer.Optimizer) (bool, error) {
	current, err := cm.CurrentScore(*state)
	if err != nil {
		return false, err
	}

	improved := checkpoints.Score(current) >= state.BestScore
	if improved {
		state.BestScore = checkpoints.Score(current)
		state.BestIteration = state.Iteration
		state.BestEpoch = state.Epoch
		cm.logger.Info("new best score",
			logging.String("metric", cm.metricName()),
			logging.Float64("score", current),
			logging.Int("iter", state.Iteration),
			logging.Int("epoch", state.Epoch))

		desc := fmt.Sprintf("best %s %.6f at epoch %d", cm.metricName(), current, state.Epoch)
		if err := cm.SaveCheckpoint(*state, model, opt, desc); err != nil {
			return false, err
		}
	} else {
		cm.logger.Info("best score unchanged",
			logging.String("metric", cm.metricName()),
			logging.Float64("score", current),
			logging.Float64("best_score", float64(state.BestScore)),
			logging.Int("best_iter", state.BestIteration),
			logging.Int("best_epoch", state.BestEpoch))
	}

	if err := cm.RecordHistory(ctx, *state); err != nil {
		return improved, err
	}
	return improved, nil
}

// RecordHistory stores state under its epoch and rewrites the history file.
func (cm *CheckpointManager) RecordHistory(ctx context.Context, state checkpoints.TrainingState) error {
	cm.history.Put(state.Epoch, state)
	if err := cm.history.Save(); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	if cm.store != nil {
		if err := cm.store.Upsert(ctx, cm.config.ModelFile, state.Epoch, state); err != nil {
			return fmt.Errorf("%w: %w", ErrCheckpointIO, err)
		}
	}
	cm.logger.Debug("history updated", logging.String("path", cm.history.Path()), logging.Int("epochs", cm.history.Len()))
	return nil
}

// SaveCheckpoint atomically replaces the canonical checkpoint.
func (cm *CheckpointManager) SaveCheckpoint(state checkpoints.TrainingState, model Model, opt optimizer.Optimizer, description string) error {
	cp := &checkpoints.Checkpoint{
		Weights:       model.StateDict(),
		TrainingState: state.Clone(),
		Config:        cm.config.RunConfig,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: description,
			Tags:        map[string]string{"metric": cm.metricName(), "phase": state.Phase},
		},
	}
	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return fmt.Errorf("%w: optimizer state: %w", ErrCheckpointIO, err)
		}
		cp.OptimizerState = optState
	}
	size, err := cm.saver.SaveCheckpoint(cp, cm.config.ModelFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointIO, err)
	}
	cm.logger.Info("wrote checkpoint",
		logging.String("path", cm.config.ModelFile),
		logging.String("size", humanize.Bytes(uint64(size))))
	return nil
}

// Exists reports whether the canonical checkpoint is on disk.
func (cm *CheckpointManager) Exists() (bool, error) {
	_, err := os.Stat(cm.config.ModelFile)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %w", ErrCheckpointIO, err)
}

// Resume loads path into model and opt and returns the stored state with
// StartEpoch moved to the resumed epoch.
func (cm *CheckpointManager) Resume(path string, model Model, opt optimizer.Optimizer) (checkpoints.TrainingState, error) {
	cp, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("%w: %w", ErrResume, err)
	}
	if err := model.LoadStateDict(cp.Weights); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("%w: model weights: %w", ErrResume, err)
	}
	if opt != nil && cp.OptimizerState != nil {
		if err := opt.LoadState(cp.OptimizerState); err != nil {
			return checkpoints.TrainingState{}, fmt.Errorf("%w: optimizer state: %w", ErrResume, err)
		}
	}
	state := cp.TrainingState.Clone()
	state.StartEpoch = state.Epoch
	cm.logger.Info("resumed from checkpoint",
		logging.String("path", path),
		logging.Int("epoch", state.Epoch),
		logging.Int("iter", state.Iteration),
		logging.Float64("best_score", float64(state.BestScore)))
	return state, nil
}

// LoadWeights restores only the model weights from the canonical checkpoint.
func (cm *CheckpointManager) LoadWeights(model Model) (*checkpoints.Checkpoint, error) {
	cp, err := cm.saver.LoadCheckpoint(cm.config.ModelFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResume, err)
	}
	if err := model.LoadStateDict(cp.Weights); err != nil {
		return nil, fmt.Errorf("%w: model weights: %w", ErrResume, err)
	}
	return cp, nil
}

func (cm *CheckpointManager) metricName() string {
	if cm.config.RankByLoss {
		return "Loss"
	}
	return cm.config.Metric.String()
}
