package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-cst/config"
	"github.com/tsawler/go-cst/dataset"
	"github.com/tsawler/go-cst/training"
)

func newScheduleCommand(ctx *commandContext) *cobra.Command {
	var from, to, seqLength int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview the learning rate and annealed knobs per epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("to") {
				to = cfg.Train.MaxEpochs
			}
			if to <= from {
				return fmt.Errorf("--to (%d) must be greater than --from (%d)", to, from)
			}
			if seqLength <= 0 {
				if seqLength, err = datasetSeqLength(cfg); err != nil {
					return err
				}
			}
			rows, err := previewSchedule(cfg, from, to, seqLength)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSchedule(rows))
			return nil
		},
	}

	cmd.Flags().IntVar(&from, "from", 0, "First epoch, treated as the resumed epoch")
	cmd.Flags().IntVar(&to, "to", 0, "End epoch, exclusive (defaults to train.max_epochs)")
	cmd.Flags().IntVar(&seqLength, "seq-length", 0, "Caption length (defaults to the training split's)")
	return cmd
}

func datasetSeqLength(cfg *config.Config) (int, error) {
	if cfg.Paths.TrainData == "" {
		return 0, fmt.Errorf("paths.train_data is not set; pass --seq-length")
	}
	ds, err := dataset.Load(cfg.Paths.TrainData, nil)
	if err != nil {
		return 0, err
	}
	return ds.SeqLength, nil
}

func previewSchedule(cfg *config.Config, from, to, seqLength int) ([]training.EpochKnobs, error) {
	lr, err := training.NewLRScheduler(cfg.Train.LRPolicy, cfg.Train.LRUpdate, cfg.Train.LRDecayRate, cfg.Train.MaxEpochs)
	if err != nil {
		return nil, err
	}
	schedule := training.NewSchedule(cfg, from, seqLength, cfg.Train.TrainSeqPerImg)
	return schedule.Preview(from, to, lr, cfg.Train.LearningRate), nil
}

func renderSchedule(rows []training.EpochKnobs) string {
	headers := []string{"Epoch", "Phase", "LR", "SS prob", "Mixer from", "SCB captions"}
	aligns := []columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight}
	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		body = append(body, []string{
			strconv.Itoa(r.Epoch),
			r.Phase.String(),
			strconv.FormatFloat(r.LearningRate, 'g', 4, 64),
			strconv.FormatFloat(r.Knobs.SSProb, 'f', 4, 64),
			strconv.Itoa(r.Knobs.MixerFrom),
			strconv.Itoa(r.Knobs.SCBCaptions),
		})
	}
	return renderTable(headers, body, aligns)
}
