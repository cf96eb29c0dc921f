package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains every file location the trainer reads or writes.
type Paths struct {
	ModelFile        string `toml:"model_file"`
	StartFrom        string `toml:"start_from"`
	HistoryFile      string `toml:"history_file"`
	ResultFile       string `toml:"result_file"`
	LogDir           string `toml:"log_dir"`
	TrainData        string `toml:"train_data"`
	ValData          string `toml:"val_data"`
	TestData         string `toml:"test_data"`
	ValCocoFmtFile   string `toml:"val_cocofmt_file"`
	TestCocoFmtFile  string `toml:"test_cocofmt_file"`
	TrainConsensus   string `toml:"train_consensus"`
	GTAvgLogpsFile   string `toml:"gt_avglogps_file"`
	PredictionTmpDir string `toml:"prediction_tmp_dir"`
}

// Train contains the supervised loop, validation and checkpoint cadence.
type Train struct {
	BatchSize           int     `toml:"batch_size"`
	TestBatchSize       int     `toml:"test_batch_size"`
	TrainSeqPerImg      int     `toml:"train_seq_per_img"`
	TestSeqPerImg       int     `toml:"test_seq_per_img"`
	MaxEpochs           int     `toml:"max_epochs"`
	MaxPatience         int     `toml:"max_patience"`
	LearningRate        float64 `toml:"learning_rate"`
	LRPolicy            string  `toml:"lr_policy"`
	LRUpdate            int     `toml:"lr_update"`
	LRDecayRate         float64 `toml:"lr_decay_rate"`
	Optimizer           string  `toml:"optimizer"`
	Momentum            float64 `toml:"momentum"`
	WeightDecay         float64 `toml:"weight_decay"`
	GradClip            float64 `toml:"grad_clip"`
	Seed                int64   `toml:"seed"`
	PrintLogInterval    int     `toml:"print_log_interval"`
	SaveCheckpointFrom  int     `toml:"save_checkpoint_from"`
	SaveCheckpointEvery int     `toml:"save_checkpoint_every"`
	BeamSize            int     `toml:"beam_size"`
	LanguageEval        bool    `toml:"language_eval"`
	OutputLogp          bool    `toml:"output_logp"`
	EvalMetric          string  `toml:"eval_metric"`
	Prefetch            int     `toml:"prefetch"`
	CheckpointFormat    string  `toml:"checkpoint_format"`
}

// ScheduledSampling controls the sigmoid annealed scheduled-sampling probability.
type ScheduledSampling struct {
	Enabled    bool    `toml:"enabled"`
	StartEpoch int     `toml:"start_epoch"`
	K          float64 `toml:"k"`
	MaxProb    float64 `toml:"max_prob"`
}

// RL contains the reinforcement-learning phase switches.
type RL struct {
	Enabled bool `toml:"enabled"`
	// StartEpoch of zero starts RL at whatever epoch the run resumes from.
	StartEpoch int    `toml:"start_epoch"`
	Metric     string `toml:"metric"`
	UseEOS     bool   `toml:"use_eos"`
	ExpandFeat bool   `toml:"expand_feat"`
}

// Mixer controls the supervised/policy-gradient mixing cutoff.
type Mixer struct {
	Enabled bool `toml:"enabled"`
	// From of -1 anneals the cutoff; any other value is used as is.
	From          int `toml:"from"`
	DecreaseEvery int `toml:"decrease_every"`
}

// Consensus controls the CST consensus baseline.
type Consensus struct {
	Enabled    bool `toml:"enabled"`
	StartEpoch int  `toml:"start_epoch"`
	// Captions of -1 anneals the number of peer captions folded into the baseline.
	Captions      int    `toml:"captions"`
	Baseline      string `toml:"baseline"`
	IncreaseEvery int    `toml:"increase_every"`
}

// Scorer contains settings for the caption-quality scorers.
type Scorer struct {
	CIDErDFFile string  `toml:"cider_df_file"`
	CIDErSigma  float64 `toml:"cider_sigma"`
	MeteorJar   string  `toml:"meteor_jar"`
	Java        string  `toml:"java"`
}

// Model selects and sizes the captioning model backend.
type Model struct {
	Backend    string `toml:"backend"`
	HiddenSize int    `toml:"hidden_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// History contains the optional SQLite mirror of the epoch history.
type History struct {
	DBPath string `toml:"db_path"`
}

// Config encapsulates all configuration values for a training run.
//
// Configuration sections by subsystem:
//   - Paths: datasets, checkpoint, history and result files
//   - Train: batch sizes, epochs, patience, optimizer, validation cadence
//   - ScheduledSampling: sigmoid annealed teacher-forcing replacement
//   - RL: policy-gradient phase start and reward metric
//   - Mixer: teacher-forced prefix length in the RL phase
//   - Consensus: CST consensus baseline
//   - Scorer: CIDEr document frequencies and METEOR runtime
//   - Model: captioning model backend
//   - Logging: log format and level
//   - History: SQLite mirror of the epoch history
type Config struct {
	Paths             Paths             `toml:"paths"`
	Train             Train             `toml:"train"`
	ScheduledSampling ScheduledSampling `toml:"scheduled_sampling"`
	RL                RL                `toml:"rl"`
	Mixer             Mixer             `toml:"mixer"`
	Consensus         Consensus         `toml:"consensus"`
	Scorer            Scorer            `toml:"scorer"`
	Model             Model             `toml:"model"`
	Logging           Logging           `toml:"logging"`
	History           History           `toml:"history"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/captrain/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("captrain.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories that hold checkpoints, history and logs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Paths.ModelFile), filepath.Dir(c.Paths.HistoryFile)}
	if c.Paths.LogDir != "" {
		dirs = append(dirs, c.Paths.LogDir)
	}
	if c.Paths.ResultFile != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.ResultFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ResumeFile returns the checkpoint to resume from and whether it exists. A
// start_from directory refers to the model file's basename inside it.
func (c *Config) ResumeFile() (string, bool, error) {
	if strings.TrimSpace(c.Paths.StartFrom) == "" {
		return "", false, nil
	}
	info, err := os.Stat(c.Paths.StartFrom)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat start_from: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(c.Paths.StartFrom, filepath.Base(c.Paths.ModelFile)), true, nil
	}
	return c.Paths.StartFrom, true, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SiblingPath replaces the extension of the model file with suffix, so
// "run/model.ckpt" and "_history.json" give "run/model_history.json".
func SiblingPath(modelFile, suffix string) string {
	ext := filepath.Ext(modelFile)
	return strings.TrimSuffix(modelFile, ext) + suffix
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the resolved configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
