// Package dataset loads caption datasets and serves them as training batches.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tsawler/go-cst/checkpoints"
	"github.com/tsawler/go-cst/langeval"
	"github.com/tsawler/go-cst/reward"
)

// Video is one clip: its feature streams, captions and optional precomputed
// consensus scores (one per caption).
type Video struct {
	ID              string      `json:"id"`
	Features        [][]float64 `json:"features"`
	Captions        []string    `json:"captions,omitempty"`
	ConsensusScores []float64   `json:"consensus_scores,omitempty"`
}

// Dataset is the in-memory form of a dataset file.
type Dataset struct {
	Vocab     *Vocab
	SeqLength int
	Videos    []Video
}

type fileFormat struct {
	Vocab     []string `json:"vocab,omitempty"`
	SeqLength int      `json:"seq_length"`
	Videos    []Video  `json:"videos"`
}

// Load reads a dataset file. When the file carries no vocabulary, one is
// built from its captions. vocab, when non-nil, overrides both so splits
// share ids.
func Load(path string, vocab *Vocab) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	ds := &Dataset{SeqLength: f.SeqLength, Videos: f.Videos}
	switch {
	case vocab != nil:
		ds.Vocab = vocab
	case len(f.Vocab) > 0:
		if ds.Vocab, err = NewVocab(f.Vocab); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", path, err)
		}
	default:
		ds.Vocab = BuildVocab(ds.captions(), 1)
	}
	if err := ds.validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return ds, nil
}

// Save writes the dataset, vocabulary included.
func (ds *Dataset) Save(path string) error {
	data, err := json.Marshal(fileFormat{Vocab: ds.Vocab.Words(), SeqLength: ds.SeqLength, Videos: ds.Videos})
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	return checkpoints.WriteFileAtomic(path, data, 0o644)
}

func (ds *Dataset) validate() error {
	if ds.SeqLength <= 0 {
		return fmt.Errorf("seq_length must be positive, got %d", ds.SeqLength)
	}
	if len(ds.Videos) == 0 {
		return fmt.Errorf("no videos")
	}
	streams := len(ds.Videos[0].Features)
	if streams == 0 {
		return fmt.Errorf("video %s has no features", ds.Videos[0].ID)
	}
	seen := make(map[string]bool, len(ds.Videos))
	for _, v := range ds.Videos {
		if v.ID == "" {
			return fmt.Errorf("video without id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate video id %s", v.ID)
		}
		seen[v.ID] = true
		if len(v.Features) != streams {
			return fmt.Errorf("video %s has %d feature streams, want %d", v.ID, len(v.Features), streams)
		}
		for s, f := range v.Features {
			if len(f) != len(ds.Videos[0].Features[s]) {
				return fmt.Errorf("video %s feature stream %d has dimension %d, want %d", v.ID, s, len(f), len(ds.Videos[0].Features[s]))
			}
		}
		if v.ConsensusScores != nil && len(v.ConsensusScores) != len(v.Captions) {
			return fmt.Errorf("video %s has %d consensus scores for %d captions", v.ID, len(v.ConsensusScores), len(v.Captions))
		}
	}
	return nil
}

// HasCaptions reports whether every video is captioned.
func (ds *Dataset) HasCaptions() bool {
	for _, v := range ds.Videos {
		if len(v.Captions) == 0 {
			return false
		}
	}
	return true
}

func (ds *Dataset) captions() []string {
	var out []string
	for _, v := range ds.Videos {
		out = append(out, v.Captions...)
	}
	return out
}

// FeatureDims returns the dimension of each feature stream.
func (ds *Dataset) FeatureDims() []int {
	dims := make([]int, len(ds.Videos[0].Features))
	for i, f := range ds.Videos[0].Features {
		dims[i] = len(f)
	}
	return dims
}

// Encode returns the token ids of a caption truncated to SeqLength and
// terminated by EOS.
func (ds *Dataset) Encode(caption string) []int {
	return append(ds.Vocab.Encode(caption, ds.SeqLength), EOS)
}

// References maps each video id to its captions, normalised the way
// predictions are decoded.
func (ds *Dataset) References() map[string][]string {
	refs := make(map[string][]string, len(ds.Videos))
	for _, v := range ds.Videos {
		for _, c := range v.Captions {
			refs[v.ID] = append(refs[v.ID], ds.Vocab.Decode(ds.Encode(c)))
		}
	}
	return refs
}

// TokenReferences maps each video id to its captions rendered as token-id
// strings, the form the reward scorers see.
func (ds *Dataset) TokenReferences(useEOS bool) map[string][]string {
	refs := make(map[string][]string, len(ds.Videos))
	for _, v := range ds.Videos {
		for _, c := range v.Captions {
			refs[v.ID] = append(refs[v.ID], reward.ArrayToString(ds.Encode(c), useEOS))
		}
	}
	return refs
}

// WriteReferences writes the coco-format references file used by language
// evaluation.
func (ds *Dataset) WriteReferences(path string) error {
	return langeval.WriteReferences(path, ds.References())
}
