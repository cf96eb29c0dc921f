// Package history keeps the per-epoch record of a training run.
//
// Log is the canonical JSON history file, keyed by epoch and rewritten in
// full on every update. Store optionally mirrors the same snapshots into
// SQLite so several runs can be queried together.
package history
