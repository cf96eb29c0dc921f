package dataset

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/go-cst/langeval"
	"github.com/tsawler/go-cst/reward"
	"github.com/tsawler/go-cst/scorer"
)

const sampleDataset = `{
  "seq_length": 4,
  "videos": [
    {"id": "v0", "features": [[0, 1], [1]], "captions": ["A man is cooking.", "a man cooks food", "someone is cooking"]},
    {"id": "v1", "features": [[1, 0], [2]], "captions": ["a dog runs", "a dog is running in the park"]},
    {"id": "v2", "features": [[1, 1], [3]], "captions": ["cats sleep", "two cats are sleeping"]}
  ]
}`

func writeDataset(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func loadSample(t *testing.T) *Dataset {
	t.Helper()
	ds, err := Load(writeDataset(t, sampleDataset), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return ds
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"A man is cooking.", []string{"a", "man", "is", "cooking"}},
		{"  TWO   dogs, running!", []string{"two", "dogs", "running"}},
		{"it's ﬁne", []string{"it's", "fine"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVocabEncodeDecode(t *testing.T) {
	v, err := NewVocab([]string{"a", "man", "cooks"})
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	if v.Size() != 6 || v.Word(EOS) != "<eos>" || v.Word(3) != "a" {
		t.Fatalf("unexpected vocabulary layout: size %d", v.Size())
	}
	ids := v.Encode("A man cooks pasta slowly", 4)
	if want := []int{3, 4, 5, UNK}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("Encode = %v, want %v", ids, want)
	}
	if got := v.Decode([]int{BOS, 3, 4, EOS, 5}); got != "a man" {
		t.Fatalf("Decode = %q", got)
	}
	if _, err := NewVocab([]string{"a", "a"}); err == nil {
		t.Fatalf("duplicate words accepted")
	}
}

func TestBuildVocabMinCount(t *testing.T) {
	v := BuildVocab([]string{"a dog", "a cat", "the dog"}, 2)
	if got := v.Words(); !reflect.DeepEqual(got, []string{"a", "dog"}) {
		t.Fatalf("Words = %v", got)
	}
}

func TestLoadAndSave(t *testing.T) {
	ds := loadSample(t)
	if ds.SeqLength != 4 || len(ds.Videos) != 3 {
		t.Fatalf("loaded %d videos with seq_length %d", len(ds.Videos), ds.SeqLength)
	}
	if dims := ds.FeatureDims(); !reflect.DeepEqual(dims, []int{2, 1}) {
		t.Fatalf("FeatureDims = %v", dims)
	}

	path := filepath.Join(t.TempDir(), "copy.json")
	if err := ds.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(again.Vocab.Words(), ds.Vocab.Words()) {
		t.Fatalf("vocabulary changed across save")
	}
	if !reflect.DeepEqual(again.Encode("a man is cooking"), ds.Encode("a man is cooking")) {
		t.Fatalf("token ids changed across save")
	}
}

func TestLoadRejectsInconsistentFeatures(t *testing.T) {
	bad := `{"seq_length": 3, "videos": [
		{"id": "a", "features": [[1, 2]], "captions": ["x"]},
		{"id": "b", "features": [[1]], "captions": ["y"]}]}`
	if _, err := Load(writeDataset(t, bad), nil); err == nil {
		t.Fatalf("mismatched feature dimensions accepted")
	}
	dup := `{"seq_length": 3, "videos": [
		{"id": "a", "features": [[1]]},
		{"id": "a", "features": [[1]]}]}`
	if _, err := Load(writeDataset(t, dup), nil); err == nil {
		t.Fatalf("duplicate ids accepted")
	}
}

func TestLoaderBatchLayout(t *testing.T) {
	ds := loadSample(t)
	l, err := NewLoader(ds, LoaderOptions{BatchSize: 2, SeqPerImg: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	b, err := l.GetBatch(context.Background())
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !reflect.DeepEqual(b.IDs, []string{"v0", "v1"}) {
		t.Fatalf("IDs = %v", b.IDs)
	}
	if len(b.Feats) != 2 || b.Feats[0].Shape[0] != 2 || b.Feats[0].Shape[1] != 2 || b.Feats[1].Shape[1] != 1 {
		t.Fatalf("feature shapes wrong")
	}
	if len(b.Labels) != 4 || len(b.Refs) != 2 || len(b.Refs[0]) != 3 {
		t.Fatalf("labels %d, refs %d", len(b.Labels), len(b.Refs))
	}

	// "a man is cooking" fills seq_length exactly: BOS, 4 words, EOS.
	label, mask := b.Labels[0], b.Masks[0]
	if len(label) != 6 || label[0] != BOS || label[5] != EOS {
		t.Fatalf("label = %v", label)
	}
	if got := ds.Vocab.Decode(label); got != "a man is cooking" {
		t.Fatalf("decoded label = %q", got)
	}
	if !reflect.DeepEqual(mask, []float64{1, 1, 1, 1, 1, 1}) {
		t.Fatalf("mask = %v", mask)
	}
	// "a dog runs": BOS, 3 words, EOS, padding.
	if !reflect.DeepEqual(b.Masks[2], []float64{1, 1, 1, 1, 1, 0}) {
		t.Fatalf("short caption mask = %v", b.Masks[2])
	}
	if b.ConsensusScores != nil {
		t.Fatalf("consensus scores without precompute")
	}
}

func TestLoaderCountsEpochsOnWrap(t *testing.T) {
	ds := loadSample(t)
	l, _ := NewLoader(ds, LoaderOptions{BatchSize: 2, SeqPerImg: 1, Shuffle: true, Seed: 7})
	ctx := context.Background()
	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		b, err := l.GetBatch(ctx)
		if err != nil {
			t.Fatalf("GetBatch: %v", err)
		}
		for _, id := range b.IDs {
			seen[id]++
		}
	}
	// Six videos served over three videos per epoch.
	if l.CurrentEpoch() != 2 {
		t.Fatalf("epoch = %d, want 2", l.CurrentEpoch())
	}
	for id, n := range seen {
		if n != 2 {
			t.Fatalf("video %s served %d times, want 2", id, n)
		}
	}

	l.SetCurrentEpoch(9)
	l.Reset()
	if l.CurrentEpoch() != 9 {
		t.Fatalf("Reset changed the epoch")
	}
}

func TestLoaderWithoutCaptions(t *testing.T) {
	body := `{"seq_length": 3, "videos": [{"id": "t0", "features": [[1]]}, {"id": "t1", "features": [[2]]}]}`
	vocab, _ := NewVocab([]string{"a"})
	ds, err := Load(writeDataset(t, body), vocab)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	l, _ := NewLoader(ds, LoaderOptions{BatchSize: 2, SeqPerImg: 1})
	if l.HasLabel() {
		t.Fatalf("uncaptioned split reports labels")
	}
	b, err := l.GetBatch(context.Background())
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Labels != nil || b.Refs != nil || len(b.IDs) != 2 {
		t.Fatalf("batch = %+v", b)
	}
}

func TestPrefetcherTracksConsumedEpochs(t *testing.T) {
	ds := loadSample(t)
	inner, _ := NewLoader(ds, LoaderOptions{BatchSize: 3, SeqPerImg: 1})
	p, err := NewPrefetcher(inner, 4)
	if err != nil {
		t.Fatalf("NewPrefetcher: %v", err)
	}
	defer p.Close()
	ctx := context.Background()

	if _, err := p.GetBatch(ctx); err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if p.CurrentEpoch() != 1 {
		t.Fatalf("epoch = %d after one full pass, want 1", p.CurrentEpoch())
	}
	b, err := p.GetBatch(ctx)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if p.CurrentEpoch() != 2 || b.IDs[0] != "v0" {
		t.Fatalf("epoch = %d, first id %s", p.CurrentEpoch(), b.IDs[0])
	}

	p.SetCurrentEpoch(5)
	if p.CurrentEpoch() != 5 || inner.CurrentEpoch() != 5 {
		t.Fatalf("SetCurrentEpoch not applied: %d / %d", p.CurrentEpoch(), inner.CurrentEpoch())
	}
	p.Reset()
	b, err = p.GetBatch(ctx)
	if err != nil {
		t.Fatalf("GetBatch after reset: %v", err)
	}
	if b.IDs[0] != "v0" || p.CurrentEpoch() != 6 {
		t.Fatalf("after reset: first id %s, epoch %d", b.IDs[0], p.CurrentEpoch())
	}
	if s := p.Stats(); s.Consumed != 3 || s.Capacity != 4 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPrefetcherHonoursContext(t *testing.T) {
	ds := loadSample(t)
	inner, _ := NewLoader(ds, LoaderOptions{BatchSize: 1, SeqPerImg: 1})
	p, _ := NewPrefetcher(inner, 1)
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.GetBatch(ctx); err == nil {
		// A batch may already be queued; the next call must still see the cancellation.
		if _, err := p.GetBatch(ctx); err == nil {
			t.Fatalf("cancelled context ignored")
		}
	}
}

func TestPrecomputeConsensusMatchesOnTheFly(t *testing.T) {
	ds := loadSample(t)
	bleu := scorer.NewBleu(4)
	ctx := context.Background()
	if err := PrecomputeConsensus(ctx, ds, bleu, false); err != nil {
		t.Fatalf("PrecomputeConsensus: %v", err)
	}
	l, _ := NewLoader(ds, LoaderOptions{BatchSize: 3, SeqPerImg: 2})
	b, err := l.GetBatch(ctx)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(b.ConsensusScores) != 3 {
		t.Fatalf("batch carries %d consensus rows", len(b.ConsensusScores))
	}

	refs := make([][]string, len(b.Refs))
	for v, r := range b.Refs {
		for _, seq := range r {
			refs[v] = append(refs[v], reward.ArrayToString(seq, false))
		}
	}
	fly, err := reward.ConsensusScores(ctx, bleu, refs)
	if err != nil {
		t.Fatalf("ConsensusScores: %v", err)
	}
	if !reflect.DeepEqual(fly, b.ConsensusScores) {
		t.Fatalf("precomputed %v, on the fly %v", b.ConsensusScores, fly)
	}
}

func TestWriteReferences(t *testing.T) {
	ds := loadSample(t)
	path := filepath.Join(t.TempDir(), "refs.json")
	if err := ds.WriteReferences(path); err != nil {
		t.Fatalf("WriteReferences: %v", err)
	}
	refs, err := langeval.LoadReferences(path)
	if err != nil {
		t.Fatalf("LoadReferences: %v", err)
	}
	if got := refs["v0"][0]; got != "a man is cooking" {
		t.Fatalf("reference = %q", got)
	}
	// Captions longer than seq_length are truncated like the labels.
	if got := refs["v1"][1]; got != "a dog is running" {
		t.Fatalf("truncated reference = %q", got)
	}
}
