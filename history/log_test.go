package history

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-cst/checkpoints"
)

func snapshot(epoch int, best float64) checkpoints.TrainingState {
	s := checkpoints.NewTrainingState(10)
	s.Epoch = epoch
	s.Iteration = epoch * 100
	s.BestScore = checkpoints.Score(best)
	s.Scores = map[string]float64{"CIDEr": best}
	return s
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "history.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty log, got %d entries", l.Len())
	}
}

func TestPutSameEpochOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	l, _ := Open(path)

	l.Put(2, snapshot(2, 0.4))
	l.Put(2, snapshot(2, 0.5))
	l.Put(10, snapshot(10, 0.6))
	if err := l.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := l.Save(); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Count(string(data), `"2":`) != 1 {
		t.Fatalf("expected one entry for epoch 2, got %s", data)
	}
	if strings.Index(string(data), `"2":`) > strings.Index(string(data), `"10":`) {
		t.Errorf("expected numeric epoch order, got %s", data)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("history is not valid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 epochs, got %d", len(decoded))
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok := reloaded.Get(2)
	if !ok || got.Scores["CIDEr"] != 0.5 {
		t.Fatalf("unexpected epoch 2 snapshot: %+v", got)
	}
}

func TestPutStoresCopy(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "history.json"))
	s := snapshot(1, 0.1)
	l.Put(1, s)
	s.Scores["CIDEr"] = 9
	got, _ := l.Get(1)
	if got.Scores["CIDEr"] != 0.1 {
		t.Fatal("log shares state with caller")
	}
}

func TestSaveKeepsUnvalidatedBestScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	l, _ := Open(path)
	l.Put(0, checkpoints.NewTrainingState(5))
	if err := l.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ := reloaded.Get(0)
	if !math.IsInf(float64(got.BestScore), -1) {
		t.Fatalf("expected -Inf best score, got %v", got.BestScore)
	}
}

func TestOpenRejectsBadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte(`{"two": {}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for non-numeric epoch key")
	}
}

func TestStoreUpsertAndList(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "db", "history.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Upsert(ctx, "/runs/a.ckpt", 1, snapshot(1, 0.3)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "/runs/a.ckpt", 1, snapshot(1, 0.35)); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "/runs/a.ckpt", 0, checkpoints.NewTrainingState(5)); err != nil {
		t.Fatalf("Upsert unvalidated failed: %v", err)
	}
	if err := store.Upsert(ctx, "/runs/b.ckpt", 4, snapshot(4, 0.9)); err != nil {
		t.Fatalf("Upsert other model failed: %v", err)
	}

	records, err := store.List(ctx, "/runs/a.ckpt")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Epoch != 0 || records[1].Epoch != 1 {
		t.Errorf("unexpected epoch order: %d, %d", records[0].Epoch, records[1].Epoch)
	}
	if records[1].State.Scores["CIDEr"] != 0.35 {
		t.Errorf("expected upserted score, got %v", records[1].State.Scores)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records across models, got %d", len(all))
	}
}
