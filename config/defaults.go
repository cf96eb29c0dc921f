package config

const (
	defaultModelFile          = "~/.local/share/captrain/model.ckpt"
	defaultCheckpointFormat   = "json"
	defaultBatchSize          = 64
	defaultTestBatchSize      = 32
	defaultTrainSeqPerImg     = 20
	defaultTestSeqPerImg      = 20
	defaultMaxEpochs          = 50
	defaultMaxPatience        = 50
	defaultLearningRate       = 2e-4
	defaultLRPolicy           = "step"
	defaultLRUpdate           = 200
	defaultLRDecayRate        = 0.5
	defaultOptimizer          = "adam"
	defaultMomentum           = 0.9
	defaultGradClip           = 0.25
	defaultSeed               = 123
	defaultPrintLogInterval   = 20
	defaultSaveCheckpointFrom = 1
	defaultSaveCheckpointEvry = 1
	defaultBeamSize           = 5
	defaultEvalMetric         = "CIDEr"
	defaultPrefetch           = 2
	defaultSSK                = 100
	defaultSSMaxProb          = 0.25
	defaultMixerFrom          = -1
	defaultMixerDecreaseEvery = 2
	defaultSCBCaptions        = -1
	defaultSCBBaseline        = "gt"
	defaultCSTIncreaseEvery   = 5
	defaultJavaBinary         = "java"
	defaultCIDErSigma         = 6.0
	defaultModelBackend       = "linear"
	defaultHiddenSize         = 64
	defaultLogFormat          = "auto"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ModelFile: defaultModelFile,
		},
		Train: Train{
			BatchSize:           defaultBatchSize,
			TestBatchSize:       defaultTestBatchSize,
			TrainSeqPerImg:      defaultTrainSeqPerImg,
			TestSeqPerImg:       defaultTestSeqPerImg,
			MaxEpochs:           defaultMaxEpochs,
			MaxPatience:         defaultMaxPatience,
			LearningRate:        defaultLearningRate,
			LRPolicy:            defaultLRPolicy,
			LRUpdate:            defaultLRUpdate,
			LRDecayRate:         defaultLRDecayRate,
			Optimizer:           defaultOptimizer,
			Momentum:            defaultMomentum,
			GradClip:            defaultGradClip,
			Seed:                defaultSeed,
			PrintLogInterval:    defaultPrintLogInterval,
			SaveCheckpointFrom:  defaultSaveCheckpointFrom,
			SaveCheckpointEvery: defaultSaveCheckpointEvry,
			BeamSize:            defaultBeamSize,
			LanguageEval:        true,
			EvalMetric:          defaultEvalMetric,
			Prefetch:            defaultPrefetch,
			CheckpointFormat:    defaultCheckpointFormat,
		},
		ScheduledSampling: ScheduledSampling{
			K:       defaultSSK,
			MaxProb: defaultSSMaxProb,
		},
		RL: RL{
			ExpandFeat: true,
		},
		Mixer: Mixer{
			From:          defaultMixerFrom,
			DecreaseEvery: defaultMixerDecreaseEvery,
		},
		Consensus: Consensus{
			Captions:      defaultSCBCaptions,
			Baseline:      defaultSCBBaseline,
			IncreaseEvery: defaultCSTIncreaseEvery,
		},
		Scorer: Scorer{
			Java:       defaultJavaBinary,
			CIDErSigma: defaultCIDErSigma,
		},
		Model: Model{
			Backend:    defaultModelBackend,
			HiddenSize: defaultHiddenSize,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
