package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/history"
)

type historyRow struct {
	epoch      int
	state      checkpoints.TrainingState
	recordedAt time.Time
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var fromDB bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the per-epoch validation history of the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var rows []historyRow
			if fromDB {
				if cfg.History.DBPath == "" {
					return fmt.Errorf("history.db_path is not configured")
				}
				store, err := history.OpenStore(cmd.Context(), cfg.History.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()
				records, err := store.List(cmd.Context(), cfg.Paths.ModelFile)
				if err != nil {
					return err
				}
				for _, r := range records {
					rows = append(rows, historyRow{epoch: r.Epoch, state: r.State, recordedAt: r.RecordedAt})
				}
			} else {
				log, err := history.Open(cfg.Paths.HistoryFile)
				if err != nil {
					return err
				}
				for _, r := range log.Records() {
					rows = append(rows, historyRow{epoch: r.Epoch, state: r.State})
				}
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No history recorded yet")
				return nil
			}
			fmt.Fprintln(out, renderHistory(rows, metricLabel(cfg), fromDB))
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromDB, "db", false, "Read from the SQLite store at history.db_path")
	return cmd
}

func renderHistory(rows []historyRow, metric string, withTime bool) string {
	scoreHeader := metric
	if metric == "Loss" {
		scoreHeader = "Val Loss"
	}
	headers := []string{"Epoch", "Iter", "Phase", "LR", "Loss", scoreHeader, "Best", "Patience"}
	aligns := []columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}
	if withTime {
		headers = append(headers, "Recorded")
		aligns = append(aligns, alignLeft)
	}

	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		s := r.state
		score := "-"
		if v, ok := s.Scores[metric]; ok {
			score = strconv.FormatFloat(v, 'f', 4, 64)
		}
		line := []string{
			strconv.Itoa(r.epoch),
			humanize.Comma(int64(s.Iteration)),
			s.Phase,
			strconv.FormatFloat(s.LearningRate, 'g', 4, 64),
			strconv.FormatFloat(s.Loss, 'f', 4, 64),
			score,
			strconv.Itoa(s.BestEpoch),
			strconv.Itoa(max(0, r.epoch-s.BestEpoch)),
		}
		if withTime {
			line = append(line, humanize.Time(r.recordedAt))
		}
		body = append(body, line)
	}
	return renderTable(headers, body, aligns)
}
