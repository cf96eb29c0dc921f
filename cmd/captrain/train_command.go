package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/config"
	"github.com/tsawler/go-cst/dataset"
	"github.com/tsawler/go-cst/history"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/scorer"
	"github.com/tsawler/go-cst/training"
)

type trainOverrides struct {
	maxEpochs int
	startFrom string
	rl        bool
}

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var overrides trainOverrides

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a captioning model, resuming from paths.start_from when set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyTrainOverrides(cmd, cfg, overrides); err != nil {
				return err
			}
			return runTraining(cmd, ctx)
		},
	}

	cmd.Flags().IntVar(&overrides.maxEpochs, "max-epochs", 0, "Override train.max_epochs")
	cmd.Flags().StringVar(&overrides.startFrom, "start-from", "", "Override paths.start_from")
	cmd.Flags().BoolVar(&overrides.rl, "rl", false, "Enable the RL phase regardless of rl.enabled")
	return cmd
}

func applyTrainOverrides(cmd *cobra.Command, cfg *config.Config, o trainOverrides) error {
	flags := cmd.Flags()
	if flags.Changed("max-epochs") {
		cfg.Train.MaxEpochs = o.maxEpochs
	}
	if flags.Changed("start-from") {
		expanded, err := config.ExpandPath(o.startFrom)
		if err != nil {
			return fmt.Errorf("resolve --start-from: %w", err)
		}
		cfg.Paths.StartFrom = expanded
	}
	if flags.Changed("rl") {
		cfg.RL.Enabled = o.rl
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid overrides: %w", err)
	}
	return nil
}

func runTraining(cmd *cobra.Command, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := ctx.logger()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForTraining(); err != nil {
		return err
	}

	lock, err := checkpoints.LockPath(cfg.Paths.ModelFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	train, others, err := loadSplits(trainingPath(cfg), cfg.Paths.ValData)
	if err != nil {
		return err
	}
	val := others[0]
	logger.Info("datasets loaded",
		logging.Int("train_videos", len(train.Videos)),
		logging.Int("val_videos", len(val.Videos)),
		logging.Int("vocab_size", train.Vocab.Size()),
		logging.Int("seq_length", train.SeqLength))
	if cfg.Consensus.Enabled && cfg.Paths.TrainConsensus == "" {
		logger.Warn("no precomputed consensus scores; computing them on the fly")
	}

	model, err := newModel(cfg, train)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(optimizer.Config{
		Name:         cfg.Train.Optimizer,
		LearningRate: cfg.Train.LearningRate,
		Momentum:     cfg.Train.Momentum,
		WeightDecay:  cfg.Train.WeightDecay,
	}, optimizer.Shapes(model.Parameters()))
	if err != nil {
		return err
	}

	trainLoader, closeTrain, err := newLoader(train, dataset.LoaderOptions{
		BatchSize: cfg.Train.BatchSize,
		SeqPerImg: cfg.Train.TrainSeqPerImg,
		Shuffle:   true,
		Seed:      uint64(cfg.Train.Seed),
	}, cfg.Train.Prefetch)
	if err != nil {
		return err
	}
	defer closeTrain()
	valLoader, closeVal, err := newLoader(val, dataset.LoaderOptions{
		BatchSize: cfg.Train.TestBatchSize,
		SeqPerImg: cfg.Train.TestSeqPerImg,
	}, 0)
	if err != nil {
		return err
	}
	defer closeVal()

	hist, err := history.Open(cfg.Paths.HistoryFile)
	if err != nil {
		return err
	}
	var store *history.Store
	if cfg.History.DBPath != "" {
		if store, err = history.OpenStore(signalCtx, cfg.History.DBPath); err != nil {
			return err
		}
		defer store.Close()
	}

	format, err := checkpoints.ParseFormat(cfg.Train.CheckpointFormat)
	if err != nil {
		return err
	}
	metric, err := scorer.ParseMetric(cfg.Train.EvalMetric)
	if err != nil {
		return err
	}
	runConfig, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	runID := uuid.NewString()
	manager := training.NewCheckpointManager(training.CheckpointConfig{
		ModelFile:  cfg.Paths.ModelFile,
		Format:     format,
		Metric:     metric,
		RankByLoss: !cfg.Train.LanguageEval,
		RunConfig:  runConfig,
		RunID:      runID,
	}, hist, store, logger)

	evaluator, err := newEvaluator(cfg, logger)
	if err != nil {
		return err
	}
	if evaluator != nil {
		defer evaluator.Close()
	}
	validator := newValidator(cfg, cfg.Paths.ValCocoFmtFile, evaluator, logger)

	resumeFile, ok, err := cfg.ResumeFile()
	if err != nil {
		return err
	}
	if !ok {
		resumeFile = ""
	}

	controller, err := training.NewController(cfg, training.Dependencies{
		Model:       model,
		Optimizer:   opt,
		TrainLoader: trainLoader,
		ValLoader:   valLoader,
		Validator:   validator,
		Checkpoints: manager,
		NewScorer:   rewardScorers(cfg, train, logger),
		ResumeFile:  resumeFile,
		RunID:       runID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	started := time.Now()
	state, err := controller.Run(signalCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("training interrupted",
				logging.Int("epoch", state.Epoch),
				logging.Int("iter", state.Iteration))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Training finished at epoch %d after %s (%s iterations)\n",
		state.Epoch, time.Since(started).Round(time.Second), humanize.Comma(int64(state.Iteration)))
	fmt.Fprintf(out, "Best epoch %d, %s %s\n", state.BestEpoch, metricLabel(cfg), formatScore(state.BestScore))
	if info, err := os.Stat(cfg.Paths.ModelFile); err == nil {
		fmt.Fprintf(out, "Checkpoint %s (%s)\n", cfg.Paths.ModelFile, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func metricLabel(cfg *config.Config) string {
	if !cfg.Train.LanguageEval {
		return "Loss"
	}
	return cfg.Train.EvalMetric
}

func formatScore(s checkpoints.Score) string {
	if s == checkpoints.NoScore {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", float64(s))
}
