package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-cst/config"
	"github.com/tsawler/go-cst/dataset"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/scorer"
)

func newConsensusCommand(ctx *commandContext) *cobra.Command {
	var output string
	var metricName string

	cmd := &cobra.Command{
		Use:   "consensus",
		Short: "Precompute consensus scores for the training captions",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := ctx.logger()
			if err != nil {
				return err
			}
			if cfg.Paths.TrainData == "" {
				return fmt.Errorf("paths.train_data must be set")
			}
			target := cfg.Paths.TrainConsensus
			if strings.TrimSpace(output) != "" {
				if target, err = config.ExpandPath(output); err != nil {
					return fmt.Errorf("resolve --output: %w", err)
				}
			}
			if target == "" {
				return fmt.Errorf("paths.train_consensus is not set; pass --output")
			}
			if metricName == "" {
				metricName = cfg.RL.Metric
			}
			metric, err := scorer.ParseMetric(metricName)
			if err != nil {
				return err
			}
			if !metric.Rewardable() {
				return fmt.Errorf("metric %s cannot score consensus", metric)
			}

			ds, err := dataset.Load(cfg.Paths.TrainData, nil)
			if err != nil {
				return err
			}
			s, err := rewardScorers(cfg, ds, logger)(metric)
			if err != nil {
				return err
			}
			defer scorer.Close(s)

			started := time.Now()
			if err := dataset.PrecomputeConsensus(signalCtx, ds, s, cfg.RL.UseEOS); err != nil {
				return err
			}
			if err := ds.Save(target); err != nil {
				return err
			}
			logger.Info("consensus scores written",
				logging.String("path", target),
				logging.String("metric", metric.String()),
				logging.Int("videos", len(ds.Videos)),
				logging.Duration("elapsed", time.Since(started)))
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s consensus scores for %d videos to %s\n", metric, len(ds.Videos), target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination (defaults to paths.train_consensus)")
	cmd.Flags().StringVar(&metricName, "metric", "", "Scoring metric (defaults to rl.metric)")
	return cmd
}
