package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/tsawler/go-cst/scorer"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTrain(); err != nil {
		return err
	}
	if err := c.validateScheduledSampling(); err != nil {
		return err
	}
	if err := c.validateRL(); err != nil {
		return err
	}
	if err := c.validateMixer(); err != nil {
		return err
	}
	if err := c.validateConsensus(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// ValidateForTraining checks the files a training run reads before it starts.
func (c *Config) ValidateForTraining() error {
	if err := requireFile("paths.train_data", c.Paths.TrainData); err != nil {
		return err
	}
	if err := requireFile("paths.val_data", c.Paths.ValData); err != nil {
		return err
	}
	if c.Train.LanguageEval {
		if err := requireFile("paths.val_cocofmt_file", c.Paths.ValCocoFmtFile); err != nil {
			return err
		}
	}
	if c.Consensus.Enabled && c.Paths.TrainConsensus != "" {
		if err := requireFile("paths.train_consensus", c.Paths.TrainConsensus); err != nil {
			return err
		}
	}
	if c.NeedsMeteor(true) {
		if err := requireFile("scorer.meteor_jar", c.Scorer.MeteorJar); err != nil {
			return err
		}
	}
	return nil
}

// ValidateForTest checks the files a test run reads before it starts.
func (c *Config) ValidateForTest() error {
	if err := requireFile("paths.test_data", c.Paths.TestData); err != nil {
		return err
	}
	if c.Train.LanguageEval {
		if err := requireFile("paths.test_cocofmt_file", c.Paths.TestCocoFmtFile); err != nil {
			return err
		}
	}
	if c.Paths.ResultFile == "" {
		return errors.New("paths.result_file must be set for test runs")
	}
	if c.NeedsMeteor(false) {
		if err := requireFile("scorer.meteor_jar", c.Scorer.MeteorJar); err != nil {
			return err
		}
	}
	return nil
}

// NeedsMeteor reports whether the run depends on METEOR, either through the
// evaluation metric or, when training, as the RL reward.
func (c *Config) NeedsMeteor(training bool) bool {
	if c.Train.LanguageEval {
		if m, err := scorer.ParseMetric(c.Train.EvalMetric); err == nil && slices.Contains(m.Components(), scorer.METEOR) {
			return true
		}
	}
	if !training || !c.RL.Enabled {
		return false
	}
	m, err := scorer.ParseMetric(c.RL.Metric)
	return err == nil && m == scorer.METEOR
}

func requireFile(key, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s must be set", key)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must be a file, got directory %q", key, path)
	}
	return nil
}

func (c *Config) validateTrain() error {
	t := c.Train
	if t.BatchSize <= 0 {
		return errors.New("train.batch_size must be positive")
	}
	if t.TestBatchSize <= 0 {
		return errors.New("train.test_batch_size must be positive")
	}
	if t.TrainSeqPerImg <= 0 || t.TestSeqPerImg <= 0 {
		return errors.New("train.train_seq_per_img and train.test_seq_per_img must be positive")
	}
	if t.MaxEpochs <= 0 {
		return errors.New("train.max_epochs must be positive")
	}
	if t.MaxPatience < 0 {
		return errors.New("train.max_patience must be >= 0")
	}
	if t.LearningRate <= 0 {
		return errors.New("train.learning_rate must be positive")
	}
	switch t.LRPolicy {
	case "step", "exponential", "cosine", "constant":
	default:
		return fmt.Errorf("train.lr_policy must be one of step, exponential, cosine, constant (got %q)", t.LRPolicy)
	}
	if t.LRUpdate <= 0 {
		return errors.New("train.lr_update must be positive")
	}
	if t.LRDecayRate <= 0 || t.LRDecayRate > 1 {
		return errors.New("train.lr_decay_rate must be in (0, 1]")
	}
	switch t.Optimizer {
	case "adam", "sgd", "rmsprop", "adagrad":
	default:
		return fmt.Errorf("train.optimizer must be adam, sgd, rmsprop or adagrad (got %q)", t.Optimizer)
	}
	if t.Momentum < 0 || t.Momentum >= 1 {
		return errors.New("train.momentum must be in [0, 1)")
	}
	if t.WeightDecay < 0 {
		return errors.New("train.weight_decay must be >= 0")
	}
	if t.GradClip < 0 {
		return errors.New("train.grad_clip must be >= 0")
	}
	if t.PrintLogInterval <= 0 {
		return errors.New("train.print_log_interval must be positive")
	}
	if t.SaveCheckpointFrom < 0 {
		return errors.New("train.save_checkpoint_from must be >= 0")
	}
	if t.SaveCheckpointEvery <= 0 {
		return errors.New("train.save_checkpoint_every must be positive")
	}
	if t.BeamSize <= 0 {
		return errors.New("train.beam_size must be positive")
	}
	if _, err := scorer.ParseMetric(t.EvalMetric); err != nil {
		return fmt.Errorf("train.eval_metric: %w", err)
	}
	if t.Prefetch < 0 {
		return errors.New("train.prefetch must be >= 0")
	}
	switch t.CheckpointFormat {
	case "json", "proto":
	default:
		return fmt.Errorf("train.checkpoint_format must be json or proto (got %q)", t.CheckpointFormat)
	}
	return nil
}

func (c *Config) validateScheduledSampling() error {
	if !c.ScheduledSampling.Enabled {
		return nil
	}
	if c.ScheduledSampling.StartEpoch < 0 {
		return errors.New("scheduled_sampling.start_epoch must be >= 0")
	}
	if c.ScheduledSampling.K <= 0 {
		return errors.New("scheduled_sampling.k must be positive")
	}
	if c.ScheduledSampling.MaxProb < 0 || c.ScheduledSampling.MaxProb > 1 {
		return errors.New("scheduled_sampling.max_prob must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateRL() error {
	if c.RL.StartEpoch < 0 {
		return errors.New("rl.start_epoch must be >= 0")
	}
	metric, err := scorer.ParseMetric(c.RL.Metric)
	if err != nil {
		return fmt.Errorf("rl.metric: %w", err)
	}
	if !metric.Rewardable() {
		return fmt.Errorf("rl.metric %s cannot be used as a reward", metric)
	}
	return nil
}

func (c *Config) validateMixer() error {
	if c.Mixer.From < -1 {
		return errors.New("mixer.from must be -1 (annealed) or >= 0")
	}
	if c.Mixer.DecreaseEvery <= 0 {
		return errors.New("mixer.decrease_every must be positive")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if !c.Consensus.Enabled {
		return nil
	}
	if !c.RL.Enabled {
		return errors.New("consensus.enabled requires rl.enabled")
	}
	if c.Consensus.StartEpoch < 0 {
		return errors.New("consensus.start_epoch must be >= 0")
	}
	if c.Consensus.Captions < -1 {
		return errors.New("consensus.captions must be -1 (annealed) or >= 0")
	}
	if c.Consensus.Captions >= c.Train.TrainSeqPerImg {
		return errors.New("consensus.captions must be below train.train_seq_per_img")
	}
	switch c.Consensus.Baseline {
	case "gt", "sampled", "none":
	default:
		return fmt.Errorf("consensus.baseline must be gt, sampled or none (got %q)", c.Consensus.Baseline)
	}
	if c.Consensus.IncreaseEvery <= 0 {
		return errors.New("consensus.increase_every must be positive")
	}
	return nil
}

func (c *Config) validateModel() error {
	if c.Model.Backend != "linear" {
		return fmt.Errorf("model.backend must be linear (got %q)", c.Model.Backend)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("logging.format must be console, json or auto (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	return nil
}
