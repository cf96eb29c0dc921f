package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/config"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/reward"
	"github.com/tsawler/go-cst/scorer"
)

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Model       Model
	Optimizer   optimizer.Optimizer
	TrainLoader DataLoader
	ValLoader   DataLoader
	Validator   *Validator
	Checkpoints *CheckpointManager
	// NewScorer builds the reward scorer when the RL phase begins.
	NewScorer func(scorer.Metric) (scorer.Scorer, error)
	// ResumeFile is the checkpoint to resume from; empty starts fresh.
	ResumeFile string
	RunID      string
	Logger     *slog.Logger
}

// StepResult is the outcome of one iteration.
type StepResult struct {
	State checkpoints.TrainingState
	Phase Phase
	// Reward is set for RL iterations.
	Reward *reward.Signal
	// Validation is set when the iteration ran a validation pass.
	Validation *ValidationResult
}

// Controller drives training: XE pretraining, then the RL objective, with
// periodic validation, best-checkpoint tracking and early stopping.
type Controller struct {
	cfg  *config.Config
	deps Dependencies

	lr       LRScheduler
	schedule Schedule
	rlMetric scorer.Metric
	baseline reward.Baseline
	xe       *MaskedCrossEntropy
	rc       *RewardCriterion
	logger   *slog.Logger

	state     checkpoints.TrainingState
	machine   phaseMachine
	validated bool
	rlScorer  scorer.Scorer
	policy    reward.Policy
	stopped   atomic.Bool
}

// NewController checks the configuration and collaborators. No training
// state is touched until Init.
func NewController(cfg *config.Config, deps Dependencies) (*Controller, error) {
	switch {
	case cfg == nil:
		return nil, classify(ErrConfig, "missing configuration")
	case deps.Model == nil || deps.Optimizer == nil:
		return nil, classify(ErrConfig, "model and optimizer are required")
	case deps.TrainLoader == nil || deps.ValLoader == nil:
		return nil, classify(ErrConfig, "train and validation loaders are required")
	case deps.Validator == nil || deps.Checkpoints == nil:
		return nil, classify(ErrConfig, "validator and checkpoint manager are required")
	case cfg.RL.Enabled && deps.NewScorer == nil:
		return nil, classify(ErrConfig, "rl.enabled requires a reward scorer factory")
	}
	lr, err := NewLRScheduler(cfg.Train.LRPolicy, cfg.Train.LRUpdate, cfg.Train.LRDecayRate, cfg.Train.MaxEpochs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	metric := scorer.CIDEr
	if cfg.RL.Enabled {
		if metric, err = scorer.ParseMetric(cfg.RL.Metric); err != nil {
			return nil, fmt.Errorf("%w: rl.metric: %w", ErrConfig, err)
		}
		if !metric.Rewardable() {
			return nil, classify(ErrConfig, "rl.metric %s cannot be used as a reward", metric)
		}
	}
	baseline, err := reward.ParseBaseline(cfg.Consensus.Baseline)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		lr:       lr,
		rlMetric: metric,
		baseline: baseline,
		xe:       NewMaskedCrossEntropy(),
		rc:       NewRewardCriterion(),
		logger:   logging.NewComponentLogger(logger, "controller").With(logging.String(logging.FieldRunID, deps.RunID)),
	}, nil
}

// Init resumes from a checkpoint or starts a fresh state, writes a base
// checkpoint when none exists, and resolves the annealing schedule.
func (c *Controller) Init(ctx context.Context) error {
	if c.machine.current() != PhaseInit {
		return nil
	}
	if err := c.init(ctx); err != nil {
		logging.ErrorWithClass(c.logger, "initialisation failed", ErrorClass(err), err)
		return err
	}
	return nil
}

func (c *Controller) init(ctx context.Context) error {
	model, opt := c.deps.Model, c.deps.Optimizer
	loader := c.deps.TrainLoader

	c.state = checkpoints.NewTrainingState(c.cfg.Train.MaxEpochs)
	if c.deps.ResumeFile != "" {
		state, err := c.deps.Checkpoints.Resume(c.deps.ResumeFile, model, opt)
		if err != nil {
			return err
		}
		c.state = state
		// The resumed epoch was validated before it was saved.
		c.validated = true
		loader.SetCurrentEpoch(c.state.Epoch)
	} else {
		c.logger.Info("no checkpoint found, training from scratch")
	}
	c.state.RunID = c.deps.RunID

	lr := c.lr.GetLR(c.state.Epoch-c.state.StartEpoch, c.state.Iteration, c.cfg.Train.LearningRate)
	opt.UpdateLearningRate(lr)
	c.state.LearningRate = lr

	exists, err := c.deps.Checkpoints.Exists()
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Info("no model file found, writing a base checkpoint")
		if err := c.deps.Checkpoints.SaveCheckpoint(c.state, model, opt, "base checkpoint"); err != nil {
			return err
		}
	}

	c.schedule = NewSchedule(c.cfg, c.state.Epoch, loader.SeqLength(), loader.SeqPerImg())
	c.machine.advance(PhaseInit, PhaseXE)
	c.state.Phase = PhaseXE.String()
	c.logger.Info("training initialised",
		logging.Int("epoch", c.state.Epoch),
		logging.Int("start_epoch", c.state.StartEpoch),
		logging.Int("iter", c.state.Iteration),
		logging.Float64("learning_rate", lr),
		logging.Bool("rl", c.schedule.RLEnabled),
		logging.Int("rl_start_epoch", c.schedule.RLStart))
	return ctx.Err()
}

// State returns a copy of the current training state.
func (c *Controller) State() checkpoints.TrainingState {
	return c.state.Clone()
}

// Phase returns the current controller phase.
func (c *Controller) Phase() Phase {
	return c.machine.current()
}

// Stop asks Run to return before the next iteration.
func (c *Controller) Stop() {
	c.stopped.Store(true)
}

// Close releases the reward scorer.
func (c *Controller) Close() error {
	if c.rlScorer == nil {
		return nil
	}
	return scorer.Close(c.rlScorer)
}

// Run iterates until termination, Stop, or context cancellation and returns
// the final state.
func (c *Controller) Run(ctx context.Context) (checkpoints.TrainingState, error) {
	if err := c.Init(ctx); err != nil {
		return c.State(), err
	}
	for {
		if c.stopped.Load() {
			c.logger.Info("stop requested", logging.Int("epoch", c.state.Epoch), logging.Int("iter", c.state.Iteration))
			return c.State(), nil
		}
		if err := ctx.Err(); err != nil {
			c.logger.Info("training cancelled", logging.Int("epoch", c.state.Epoch), logging.Int("iter", c.state.Iteration))
			return c.State(), err
		}
		res, err := c.Step(ctx)
		if err != nil {
			return res.State, err
		}
		if res.Phase == PhaseTerminated {
			return res.State, nil
		}
	}
}

// Step runs one training iteration.
func (c *Controller) Step(ctx context.Context) (StepResult, error) {
	switch c.machine.current() {
	case PhaseInit:
		return StepResult{State: c.State(), Phase: PhaseInit}, classify(ErrConfig, "controller not initialised")
	case PhaseTerminated:
		return StepResult{State: c.State(), Phase: PhaseTerminated}, nil
	}

	res, err := c.step(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &StepError{Class: classOf(err), Iteration: c.state.Iteration, Epoch: c.state.Epoch, Err: err}
			logging.ErrorWithClass(c.logger, "training step failed", ErrorClass(err), err,
				logging.Int("epoch", c.state.Epoch), logging.Int("iter", c.state.Iteration))
		}
		res.State = c.State()
		res.Phase = c.machine.current()
		return res, err
	}
	res.State = c.State()
	res.Phase = c.machine.current()
	return res, nil
}

func (c *Controller) step(ctx context.Context) (StepResult, error) {
	var res StepResult
	start := time.Now()
	model, opt := c.deps.Model, c.deps.Optimizer
	loader := c.deps.TrainLoader
	seqPerImg := loader.SeqPerImg()

	model.SetTraining(true)
	batch, err := loader.GetBatch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return res, err
		}
		return res, fmt.Errorf("%w: %w", ErrBatch, err)
	}
	if err := batch.check(seqPerImg, true); err != nil {
		return res, err
	}

	if c.schedule.RLActive(c.state.Epoch) && c.machine.advance(PhaseXE, PhaseRL) {
		if err := c.enterRL(); err != nil {
			return res, err
		}
	}
	rl := c.machine.current() == PhaseRL

	knobs := c.schedule.Knobs(c.state.Epoch, rl)
	if c.schedule.SSEnabled {
		model.SetScheduledSamplingProb(knobs.SSProb)
	}
	if rl && c.schedule.MixerEnabled {
		model.SetMixerFrom(knobs.MixerFrom)
	}

	params := model.Parameters()
	optimizer.ZeroGrad(params)
	model.SetSeqPerImg(seqPerImg)

	var loss LossResult
	if rl {
		signal, lr, err := c.rlLoss(ctx, batch, knobs)
		if err != nil {
			return res, err
		}
		loss = lr
		res.Reward = &signal
	} else {
		fwd, err := model.Forward(ctx, batch.Feats, batch.Labels, ForwardOptions{})
		if err != nil {
			return res, fmt.Errorf("%w: forward: %w", ErrBatch, err)
		}
		if loss, err = c.xe.Forward(fwd.LogProbs, shiftLabels(batch.Labels), shiftMasks(batch.Masks)); err != nil {
			return res, fmt.Errorf("%w: %w", ErrBatch, err)
		}
	}

	if err := model.Backward(ctx, loss.Grad); err != nil {
		return res, fmt.Errorf("%w: backward: %w", ErrBatch, err)
	}
	gradNorm, err := optimizer.ClipGradNorm(params, c.cfg.Train.GradClip)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrBatch, err)
	}
	if err := opt.Step(params); err != nil {
		return res, fmt.Errorf("%w: optimizer step: %w", ErrBatch, err)
	}

	c.state.Loss = loss.Value
	c.state.Knobs = knobs
	c.state.Phase = c.machine.current().String()
	if c.state.Iteration%c.cfg.Train.PrintLogInterval == 0 {
		c.logStep(res.Reward, gradNorm, time.Since(start))
	}
	c.state.Iteration++

	if c.state.Epoch < loader.CurrentEpoch() {
		c.state.Epoch = loader.CurrentEpoch()
		c.validated = false
		lr := c.lr.GetLR(c.state.Epoch-c.state.StartEpoch, c.state.Iteration, c.cfg.Train.LearningRate)
		opt.UpdateLearningRate(lr)
		c.state.LearningRate = lr
		c.logger.Info("epoch complete",
			logging.Int("epoch", c.state.Epoch),
			logging.String("scheduler", c.lr.GetName()),
			logging.Float64("learning_rate", lr))
	}

	if c.shouldValidate() {
		val, err := c.validate(ctx)
		if err != nil {
			return res, err
		}
		res.Validation = val
	}

	if c.shouldTerminate() {
		c.machine.terminate()
		c.state.Phase = PhaseTerminated.String()
		c.logger.Info("terminating",
			logging.Int("epoch", c.state.Epoch),
			logging.Int("best_epoch", c.state.BestEpoch),
			logging.Float64("best_score", float64(c.state.BestScore)))
	}
	return res, nil
}

// enterRL runs once, on the XE to RL transition.
func (c *Controller) enterRL() error {
	s, err := c.deps.NewScorer(c.rlMetric)
	if err != nil {
		return fmt.Errorf("%w: reward scorer %s: %w", ErrScoring, c.rlMetric, err)
	}
	c.rlScorer = s
	opts := reward.Options{UseEOS: c.cfg.RL.UseEOS}
	if c.cfg.Consensus.Enabled {
		c.policy = reward.NewConsensus(s, c.baseline, opts)
	} else {
		c.policy = reward.NewSelfCritical(s, opts)
	}
	c.logger.Info("using RL objective",
		logging.Int("epoch", c.state.Epoch),
		logging.String("metric", c.rlMetric.String()),
		logging.String("policy", c.policy.Name()))
	return nil
}

func (c *Controller) rlLoss(ctx context.Context, batch *Batch, knobs checkpoints.Knobs) (reward.Signal, LossResult, error) {
	model := c.deps.Model
	fwd, err := model.Forward(ctx, batch.Feats, batch.Labels, ForwardOptions{Sample: true})
	if err != nil {
		return reward.Signal{}, LossResult{}, fmt.Errorf("%w: forward: %w", ErrBatch, err)
	}
	in := reward.Input{
		Sampled:         fwd.Seq,
		Refs:            batch.Refs,
		ConsensusScores: batch.ConsensusScores,
		SeqPerImg:       c.deps.TrainLoader.SeqPerImg(),
		SCBCaptions:     knobs.SCBCaptions,
	}
	if !c.cfg.Consensus.Enabled {
		greedy, err := model.Sample(ctx, batch.Feats, SampleOptions{Greedy: true, ExpandFeat: c.cfg.RL.ExpandFeat})
		if err != nil {
			return reward.Signal{}, LossResult{}, fmt.Errorf("%w: greedy baseline: %w", ErrBatch, err)
		}
		in.Greedy = greedy.Seq
	}
	signal, err := c.policy.Compute(ctx, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return reward.Signal{}, LossResult{}, err
		}
		return reward.Signal{}, LossResult{}, fmt.Errorf("%w: %w", ErrScoring, err)
	}
	loss, err := c.rc.Forward(fwd.LogProbs, fwd.Seq, signal)
	if err != nil {
		return reward.Signal{}, LossResult{}, fmt.Errorf("%w: %w", ErrBatch, err)
	}
	return signal, loss, nil
}

func (c *Controller) shouldValidate() bool {
	t := c.cfg.Train
	return c.state.Epoch >= t.SaveCheckpointFrom &&
		c.state.Epoch%t.SaveCheckpointEvery == 0 &&
		!c.validated
}

func (c *Controller) shouldTerminate() bool {
	return c.state.Epoch >= c.cfg.Train.MaxEpochs ||
		c.state.Epoch-c.state.BestEpoch > c.cfg.Train.MaxPatience
}

func (c *Controller) validate(ctx context.Context) (*ValidationResult, error) {
	res, err := c.deps.Validator.Run(ctx, c.deps.Model, c.deps.ValLoader)
	if err != nil {
		return nil, err
	}
	c.logger.Info("validation output", logging.Int("epoch", c.state.Epoch), logging.Any("scores", res.Scores))
	c.state.Scores = res.Scores
	if _, err := c.deps.Checkpoints.CheckIfBest(ctx, &c.state, c.deps.Model, c.deps.Optimizer); err != nil {
		return nil, err
	}
	c.validated = true
	return res, nil
}

func (c *Controller) logStep(signal *reward.Signal, gradNorm float64, elapsed time.Duration) {
	attrs := []logging.Attr{
		logging.Int("epoch", c.state.Epoch),
		logging.Int("iter", c.state.Iteration),
		logging.Float64("loss", c.state.Loss),
		logging.Float64("grad_norm", gradNorm),
	}
	if signal != nil {
		metric := c.rlMetric.String()
		attrs = append(attrs,
			logging.Float64("reward", signal.MeanReward()),
			logging.Float64(metric+"_model", signal.ModelScore),
			logging.Float64(metric+"_baseline", signal.BaselineScore))
	}
	if c.schedule.SSEnabled {
		attrs = append(attrs, logging.Float64("ss_prob", c.state.Knobs.SSProb))
	}
	if c.schedule.MixerEnabled {
		attrs = append(attrs, logging.Int("mixer_from", c.state.Knobs.MixerFrom))
	}
	if c.schedule.ConsensusEnabled {
		attrs = append(attrs, logging.Int("scb_captions", c.state.Knobs.SCBCaptions))
	}
	attrs = append(attrs, logging.Duration("elapsed", elapsed))
	c.logger.Info("train step", logging.Args(attrs...)...)
}

func classOf(err error) error {
	for _, class := range []error{ErrConfig, ErrScoring, ErrCheckpointIO, ErrResume, ErrBatch} {
		if errors.Is(err, class) {
			return class
		}
	}
	return ErrBatch
}
