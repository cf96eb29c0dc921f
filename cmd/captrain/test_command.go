package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/dataset"
	"github.com/tsawler/go-cst/langeval"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/training"
)

// testResult is the document written to paths.result_file.
type testResult struct {
	Checkpoint  string                    `json:"checkpoint"`
	Epoch       int                       `json:"epoch"`
	RunID       string                    `json:"run_id,omitempty"`
	Predictions []langeval.Prediction     `json:"predictions"`
	Scores      map[string]float64        `json:"scores"`
	State       checkpoints.TrainingState `json:"training_state"`
}

func newTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Decode the test split with the best checkpoint and score it",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := ctx.logger()
			if err != nil {
				return err
			}
			if err := cfg.ValidateForTest(); err != nil {
				return err
			}

			// The training split, when configured, fixes the vocabulary the
			// checkpoint was trained with.
			var test, vocabSource *dataset.Dataset
			if cfg.Paths.TrainData != "" {
				train, others, err := loadSplits(cfg.Paths.TrainData, cfg.Paths.TestData)
				if err != nil {
					return err
				}
				vocabSource, test = train, others[0]
			} else {
				if test, err = dataset.Load(cfg.Paths.TestData, nil); err != nil {
					return err
				}
				vocabSource = test
			}

			model, err := newModel(cfg, vocabSource)
			if err != nil {
				return err
			}
			format, err := checkpoints.ParseFormat(cfg.Train.CheckpointFormat)
			if err != nil {
				return err
			}
			manager := training.NewCheckpointManager(training.CheckpointConfig{
				ModelFile: cfg.Paths.ModelFile,
				Format:    format,
			}, nil, nil, logger)
			cp, err := manager.LoadWeights(model)
			if err != nil {
				return err
			}
			logger.Info("checkpoint loaded",
				logging.String("path", cfg.Paths.ModelFile),
				logging.Int("epoch", cp.TrainingState.Epoch),
				logging.Int("best_epoch", cp.TrainingState.BestEpoch))

			loader, closeLoader, err := newLoader(test, dataset.LoaderOptions{
				BatchSize: cfg.Train.TestBatchSize,
				SeqPerImg: cfg.Train.TestSeqPerImg,
			}, 0)
			if err != nil {
				return err
			}
			defer closeLoader()

			evaluator, err := newEvaluator(cfg, logger)
			if err != nil {
				return err
			}
			if evaluator != nil {
				defer evaluator.Close()
			}
			validator := newValidator(cfg, cfg.Paths.TestCocoFmtFile, evaluator, logger)
			res, err := validator.Run(signalCtx, model, loader)
			if err != nil {
				return err
			}

			doc := testResult{
				Checkpoint:  cfg.Paths.ModelFile,
				Epoch:       cp.TrainingState.Epoch,
				RunID:       cp.Metadata.RunID,
				Predictions: res.Predictions,
				Scores:      res.Scores,
				State:       cp.TrainingState,
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode test result: %w", err)
			}
			if err := checkpoints.WriteFileAtomic(cfg.Paths.ResultFile, data, 0o644); err != nil {
				return fmt.Errorf("write test result: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderScores(res.Scores))
			fmt.Fprintf(out, "Wrote %d predictions to %s\n", len(res.Predictions), cfg.Paths.ResultFile)
			return nil
		},
	}
}

func renderScores(scores map[string]float64) string {
	keys := slices.Sorted(maps.Keys(scores))
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprintf("%.4f", scores[k])})
	}
	return renderTable([]string{"Metric", "Score"}, rows, []columnAlignment{alignLeft, alignRight})
}
