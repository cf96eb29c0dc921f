// Package checkpoints persists training checkpoints: model weights, training
// state, optimizer state and the resolved run configuration.
package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	// ErrSchema marks a checkpoint that parsed but does not describe a valid run.
	ErrSchema = errors.New("checkpoint schema mismatch")
	// ErrLocked means another process holds the checkpoint path.
	ErrLocked = errors.New("checkpoint path is locked by another process")
)

// SchemaVersion is written into every checkpoint and checked on load.
const SchemaVersion = "2"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps the configuration name of a format to its value.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", name)
	}
}

// Checkpoint represents a complete training snapshot
type Checkpoint struct {
	Weights        []WeightTensor  `json:"weights"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	// Config is the resolved run configuration, encoded as JSON.
	Config   json.RawMessage    `json:"config,omitempty"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string            `json:"version"`
	Framework   string            `json:"framework"`
	CreatedAt   time.Time         `json:"created_at"`
	RunID       string            `json:"run_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format reports the format new checkpoints are written in.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint replaces the file at path with checkpoint. The previous file
// stays intact until the new one is fully on disk.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) (int, error) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "captrain"
	}
	if checkpoint.Metadata.Version == "" {
		checkpoint.Metadata.Version = SchemaVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = encodeJSON(checkpoint)
	case FormatProto:
		data, err = encodeProto(checkpoint)
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return 0, err
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	return len(data), nil
}

// LoadCheckpoint reads a checkpoint in either format; JSON files are
// recognised by their leading brace.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		checkpoint, err = decodeJSON(trimmed)
	} else {
		checkpoint, err = decodeProto(data)
	}
	if err != nil {
		return nil, err
	}
	if err := checkpoint.validate(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (c *Checkpoint) validate() error {
	if c.Metadata.Version != SchemaVersion {
		return fmt.Errorf("%w: version %q, expected %q", ErrSchema, c.Metadata.Version, SchemaVersion)
	}
	for _, w := range c.Weights {
		size := 1
		for _, dim := range w.Shape {
			size *= dim
		}
		if len(w.Shape) == 0 || size != len(w.Data) {
			return fmt.Errorf("%w: weight %q has shape %v but %d values", ErrSchema, w.Name, w.Shape, len(w.Data))
		}
	}
	return c.TrainingState.Validate()
}

func encodeJSON(checkpoint *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrSchema, err)
	}
	return &checkpoint, nil
}
