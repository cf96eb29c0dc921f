package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"github.com/tsawler/go-cst/checkpoints"
)

// Record is one epoch's snapshot.
type Record struct {
	Epoch int
	State checkpoints.TrainingState
}

// Log maps epochs to training-state snapshots. Entries are never pruned.
type Log struct {
	path    string
	entries map[int]checkpoints.TrainingState
}

// Open loads the history file at path, or starts an empty log when it does
// not exist yet.
func Open(path string) (*Log, error) {
	l := &Log{path: path, entries: map[int]checkpoints.TrainingState{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}

	var raw map[string]checkpoints.TrainingState
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	for key, state := range raw {
		epoch, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("history %s: invalid epoch key %q", path, key)
		}
		l.entries[epoch] = state
	}
	return l, nil
}

func (l *Log) Path() string {
	return l.path
}

// Put stores a copy of state under epoch, replacing any earlier snapshot
// for the same epoch.
func (l *Log) Put(epoch int, state checkpoints.TrainingState) {
	l.entries[epoch] = state.Clone()
}

func (l *Log) Get(epoch int) (checkpoints.TrainingState, bool) {
	state, ok := l.entries[epoch]
	if !ok {
		return checkpoints.TrainingState{}, false
	}
	return state.Clone(), true
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Records returns all snapshots in ascending epoch order.
func (l *Log) Records() []Record {
	epochs := make([]int, 0, len(l.entries))
	for epoch := range l.entries {
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)
	out := make([]Record, 0, len(epochs))
	for _, epoch := range epochs {
		out = append(out, Record{Epoch: epoch, State: l.entries[epoch].Clone()})
	}
	return out
}

// Save rewrites the whole history file atomically, epochs in ascending order.
func (l *Log) Save() error {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, rec := range l.Records() {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		key, _ := json.Marshal(strconv.Itoa(rec.Epoch))
		buf.Write(key)
		buf.WriteString(": ")
		value, err := json.Marshal(rec.State)
		if err != nil {
			return fmt.Errorf("encode history epoch %d: %w", rec.Epoch, err)
		}
		buf.Write(value)
	}
	if l.Len() > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")

	if err := checkpoints.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
