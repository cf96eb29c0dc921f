package config

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-cst/scorer"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTrain()
	c.normalizeRL()
	c.normalizeConsensus()
	if err := c.normalizeScorer(); err != nil {
		return err
	}
	c.normalizeModel()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.ModelFile) == "" {
		c.Paths.ModelFile = defaultModelFile
	}
	if c.Paths.ModelFile, err = expandPath(c.Paths.ModelFile); err != nil {
		return fmt.Errorf("paths.model_file: %w", err)
	}
	if strings.TrimSpace(c.Paths.HistoryFile) == "" {
		c.Paths.HistoryFile = SiblingPath(c.Paths.ModelFile, "_history.json")
	}
	if strings.TrimSpace(c.Paths.GTAvgLogpsFile) == "" {
		c.Paths.GTAvgLogpsFile = SiblingPath(c.Paths.ModelFile, "_gt_avglogps.pb")
	}

	fields := []struct {
		name  string
		value *string
	}{
		{"paths.start_from", &c.Paths.StartFrom},
		{"paths.history_file", &c.Paths.HistoryFile},
		{"paths.result_file", &c.Paths.ResultFile},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.train_data", &c.Paths.TrainData},
		{"paths.val_data", &c.Paths.ValData},
		{"paths.test_data", &c.Paths.TestData},
		{"paths.val_cocofmt_file", &c.Paths.ValCocoFmtFile},
		{"paths.test_cocofmt_file", &c.Paths.TestCocoFmtFile},
		{"paths.train_consensus", &c.Paths.TrainConsensus},
		{"paths.gt_avglogps_file", &c.Paths.GTAvgLogpsFile},
		{"paths.prediction_tmp_dir", &c.Paths.PredictionTmpDir},
		{"history.db_path", &c.History.DBPath},
	}
	for _, field := range fields {
		trimmed := strings.TrimSpace(*field.value)
		if trimmed == "" {
			*field.value = ""
			continue
		}
		if *field.value, err = expandPath(trimmed); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func (c *Config) normalizeTrain() {
	c.Train.LRPolicy = strings.ToLower(strings.TrimSpace(c.Train.LRPolicy))
	if c.Train.LRPolicy == "" {
		c.Train.LRPolicy = defaultLRPolicy
	}
	c.Train.Optimizer = strings.ToLower(strings.TrimSpace(c.Train.Optimizer))
	if c.Train.Optimizer == "" {
		c.Train.Optimizer = defaultOptimizer
	}
	c.Train.EvalMetric = strings.TrimSpace(c.Train.EvalMetric)
	if c.Train.EvalMetric == "" {
		c.Train.EvalMetric = defaultEvalMetric
	}
	c.Train.CheckpointFormat = strings.ToLower(strings.TrimSpace(c.Train.CheckpointFormat))
	if c.Train.CheckpointFormat == "" {
		c.Train.CheckpointFormat = defaultCheckpointFormat
	}
	if c.Train.TestBatchSize <= 0 {
		c.Train.TestBatchSize = c.Train.BatchSize
	}
}

func (c *Config) normalizeRL() {
	c.RL.Metric = strings.TrimSpace(c.RL.Metric)
	if c.RL.Metric == "" {
		c.RL.Metric = c.Train.EvalMetric
		// The composite only ranks checkpoints; CIDEr stands in as its reward.
		if m, err := scorer.ParseMetric(c.RL.Metric); err == nil && !m.Rewardable() {
			c.RL.Metric = scorer.CIDEr.String()
		}
	}
}

func (c *Config) normalizeConsensus() {
	c.Consensus.Baseline = strings.ToLower(strings.TrimSpace(c.Consensus.Baseline))
	if c.Consensus.Baseline == "" {
		c.Consensus.Baseline = defaultSCBBaseline
	}
}

func (c *Config) normalizeScorer() error {
	c.Scorer.Java = strings.TrimSpace(c.Scorer.Java)
	if c.Scorer.Java == "" {
		c.Scorer.Java = defaultJavaBinary
	}
	if c.Scorer.CIDErSigma <= 0 {
		c.Scorer.CIDErSigma = defaultCIDErSigma
	}
	var err error
	if c.Scorer.MeteorJar = strings.TrimSpace(c.Scorer.MeteorJar); c.Scorer.MeteorJar != "" {
		if c.Scorer.MeteorJar, err = expandPath(c.Scorer.MeteorJar); err != nil {
			return fmt.Errorf("scorer.meteor_jar: %w", err)
		}
	}
	if c.Scorer.CIDErDFFile = strings.TrimSpace(c.Scorer.CIDErDFFile); c.Scorer.CIDErDFFile != "" {
		if c.Scorer.CIDErDFFile, err = expandPath(c.Scorer.CIDErDFFile); err != nil {
			return fmt.Errorf("scorer.cider_df_file: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeModel() {
	c.Model.Backend = strings.ToLower(strings.TrimSpace(c.Model.Backend))
	if c.Model.Backend == "" {
		c.Model.Backend = defaultModelBackend
	}
	if c.Model.HiddenSize <= 0 {
		c.Model.HiddenSize = defaultHiddenSize
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
