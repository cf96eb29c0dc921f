package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-cst/checkpoints"
)

// Store mirrors history snapshots into SQLite, keyed by checkpoint path and epoch.
type Store struct {
	db   *sql.DB
	path string
}

// StoredRecord is a snapshot read back from the store.
type StoredRecord struct {
	Model      string
	Epoch      int
	RecordedAt time.Time
	State      checkpoints.TrainingState
}

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
	model       TEXT    NOT NULL,
	epoch       INTEGER NOT NULL,
	iter        INTEGER NOT NULL,
	best_score  REAL,
	best_epoch  INTEGER NOT NULL,
	loss        REAL    NOT NULL,
	run_id      TEXT,
	state_json  TEXT    NOT NULL,
	recorded_at TEXT    NOT NULL,
	PRIMARY KEY (model, epoch)
);
CREATE INDEX IF NOT EXISTS idx_epochs_run ON epochs(run_id);
`

// OpenStore opens or creates the SQLite database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert writes the snapshot for (model, epoch), replacing an earlier one.
func (s *Store) Upsert(ctx context.Context, model string, epoch int, state checkpoints.TrainingState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var best any
	if !math.IsInf(float64(state.BestScore), -1) {
		best = float64(state.BestScore)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO epochs (model, epoch, iter, best_score, best_epoch, loss, run_id, state_json, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(model, epoch) DO UPDATE SET
	iter = excluded.iter,
	best_score = excluded.best_score,
	best_epoch = excluded.best_epoch,
	loss = excluded.loss,
	run_id = excluded.run_id,
	state_json = excluded.state_json,
	recorded_at = excluded.recorded_at`,
		model, epoch, state.Iteration, best, state.BestEpoch, state.Loss, state.RunID,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert epoch %d: %w", epoch, err)
	}
	return nil
}

// List returns snapshots for model in ascending epoch order. An empty model
// lists every model in the store.
func (s *Store) List(ctx context.Context, model string) ([]StoredRecord, error) {
	query := `SELECT model, epoch, recorded_at, state_json FROM epochs`
	var args []any
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY model, epoch`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			rec        StoredRecord
			recordedAt string
			payload    string
		)
		if err := rows.Scan(&rec.Model, &rec.Epoch, &recordedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.State); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
