package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/tsawler/go-cst/captioner"
	"github.com/tsawler/go-cst/config"
	"github.com/tsawler/go-cst/dataset"
	"github.com/tsawler/go-cst/langeval"
	"github.com/tsawler/go-cst/logging"
	"github.com/tsawler/go-cst/scorer"
	"github.com/tsawler/go-cst/training"
)

// trainingPath returns the training split to load: the consensus-annotated
// copy when consensus training is configured with one.
func trainingPath(cfg *config.Config) string {
	if cfg.Consensus.Enabled && cfg.Paths.TrainConsensus != "" {
		return cfg.Paths.TrainConsensus
	}
	return cfg.Paths.TrainData
}

// loadSplits loads the training split and every other path with the
// training vocabulary, so all splits share token ids.
func loadSplits(trainPath string, others ...string) (*dataset.Dataset, []*dataset.Dataset, error) {
	train, err := dataset.Load(trainPath, nil)
	if err != nil {
		return nil, nil, err
	}
	loaded := make([]*dataset.Dataset, 0, len(others))
	for _, path := range others {
		ds, err := dataset.Load(path, train.Vocab)
		if err != nil {
			return nil, nil, err
		}
		loaded = append(loaded, ds)
	}
	return train, loaded, nil
}

func newModel(cfg *config.Config, ds *dataset.Dataset) (*captioner.Model, error) {
	if cfg.Model.Backend != "linear" {
		return nil, fmt.Errorf("model.backend %q is not available", cfg.Model.Backend)
	}
	return captioner.New(captioner.Config{
		VocabSize:   ds.Vocab.Size(),
		FeatureDims: ds.FeatureDims(),
		HiddenSize:  cfg.Model.HiddenSize,
		SeqLength:   ds.SeqLength,
		Seed:        uint64(cfg.Train.Seed),
	})
}

// newLoader wraps ds in a loader, behind a prefetcher when depth > 0. The
// returned close function is never nil.
func newLoader(ds *dataset.Dataset, opts dataset.LoaderOptions, depth int) (training.DataLoader, func() error, error) {
	loader, err := dataset.NewLoader(ds, opts)
	if err != nil {
		return nil, nil, err
	}
	if depth <= 0 {
		return loader, func() error { return nil }, nil
	}
	p, err := dataset.NewPrefetcher(loader, depth)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// newEvaluator returns nil when language evaluation is disabled.
func newEvaluator(cfg *config.Config, logger *slog.Logger) (*langeval.Evaluator, error) {
	if !cfg.Train.LanguageEval {
		return nil, nil
	}
	return langeval.New(langeval.Options{
		Java:      cfg.Scorer.Java,
		MeteorJar: cfg.Scorer.MeteorJar,
		Logger:    logger,
	})
}

func newValidator(cfg *config.Config, refsFile string, evaluator *langeval.Evaluator, logger *slog.Logger) *training.Validator {
	vc := training.ValidatorConfig{
		BeamSize:      cfg.Train.BeamSize,
		LanguageEval:  cfg.Train.LanguageEval,
		RefsFile:      refsFile,
		PredictionDir: cfg.Paths.PredictionTmpDir,
		OutputLogp:    cfg.Train.OutputLogp,
	}
	if cfg.Train.OutputLogp {
		vc.GTAvgLogpsFile = cfg.Paths.GTAvgLogpsFile
	}
	if progressEnabled(os.Stderr) {
		vc.Progress = os.Stderr
	}
	// A nil *Evaluator must not become a non-nil interface.
	if evaluator == nil {
		return training.NewValidator(vc, nil, logger)
	}
	return training.NewValidator(vc, evaluator, logger)
}

func progressEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// rewardScorers builds reward scorers for ds. CIDEr-D document frequencies
// come from scorer.cider_df_file when it exists and are computed from the
// training references, and cached there, otherwise.
func rewardScorers(cfg *config.Config, ds *dataset.Dataset, logger *slog.Logger) func(scorer.Metric) (scorer.Scorer, error) {
	return func(m scorer.Metric) (scorer.Scorer, error) {
		opts := scorer.Options{
			Reward:     true,
			CIDErSigma: cfg.Scorer.CIDErSigma,
			Java:       cfg.Scorer.Java,
			MeteorJar:  cfg.Scorer.MeteorJar,
		}
		if m == scorer.CIDEr {
			df, err := documentFrequency(cfg, ds, logger)
			if err != nil {
				return nil, err
			}
			opts.DF = df
		}
		return scorer.New(m, opts)
	}
}

func documentFrequency(cfg *config.Config, ds *dataset.Dataset, logger *slog.Logger) (*scorer.DocumentFrequency, error) {
	path := cfg.Scorer.CIDErDFFile
	if path != "" {
		df, err := scorer.LoadDocumentFrequency(path)
		if err == nil {
			logger.Info("loaded cider document frequencies", logging.String("path", path))
			return df, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	df := scorer.BuildDocumentFrequency(ds.TokenReferences(cfg.RL.UseEOS))
	if path != "" {
		if err := df.Save(path); err != nil {
			return nil, err
		}
		logger.Info("cached cider document frequencies", logging.String("path", path))
	}
	return df, nil
}
