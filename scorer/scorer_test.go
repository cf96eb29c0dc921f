package scorer

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		name    string
		want    Metric
		wantErr bool
	}{
		{"Bleu_4", Bleu4, false},
		{"CIDEr", CIDEr, false},
		{"meteor", METEOR, false},
		{"ROUGE_L", ROUGEL, false},
		{"MSRVTT", Composite, false},
		{"SPICE", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.name)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMetric(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseMetric(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if Composite.Rewardable() {
		t.Error("composite metric must not be usable as a reward")
	}
}

func TestCompositeValue(t *testing.T) {
	scores := map[string]float64{"Bleu_4": 0.4, "METEOR": 0.3, "ROUGE_L": 0.6, "CIDEr": 0.5, "Loss": -2}
	got, err := Composite.Value(scores)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approx(got, 1.8, 1e-12) {
		t.Errorf("composite = %v, want 1.8", got)
	}
	if _, err := Composite.Value(map[string]float64{"CIDEr": 1}); err == nil {
		t.Error("expected error for missing component")
	}
	v, err := CIDEr.Value(scores)
	if err != nil || v != 0.5 {
		t.Errorf("CIDEr value = %v, %v", v, err)
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"A Man is PLAYING a guitar.": "a man is playing a guitar",
		"  the dog's   ball ":        "the dog's ball",
		"'quoted' words, here!":      "quoted words here",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBleuIdenticalCaption(t *testing.T) {
	hyps := map[string]string{"v1": "a man is playing a guitar"}
	refs := map[string][]string{"v1": {"a man is playing a guitar", "someone plays music"}}

	res, err := NewBleu(4).Score(context.Background(), hyps, refs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approx(res.Corpus, 1, 1e-6) {
		t.Errorf("corpus bleu = %v, want 1", res.Corpus)
	}
	if !approx(res.PerSample["v1"], 1, 1e-6) {
		t.Errorf("sample bleu = %v, want 1", res.PerSample["v1"])
	}
	for _, k := range []string{"Bleu_1", "Bleu_2", "Bleu_3", "Bleu_4"} {
		if _, ok := res.Components[k]; !ok {
			t.Errorf("missing component %s", k)
		}
	}
}

func TestBleuBrevityPenalty(t *testing.T) {
	hyps := map[string]string{"v1": "a man"}
	refs := map[string][]string{"v1": {"a man is playing a guitar"}}
	res, err := NewBleu(4).Score(context.Background(), hyps, refs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	b1 := res.Components["Bleu_1"]
	want := math.Exp(1 - 6.0/2.0)
	if !approx(b1, want, 1e-6) {
		t.Errorf("Bleu_1 = %v, want %v", b1, want)
	}
}

func TestEmptyHypothesisScoresZero(t *testing.T) {
	hyps := map[string]string{"v1": "", "v2": "a dog runs"}
	refs := map[string][]string{"v1": {"a cat sleeps"}, "v2": {"a dog runs"}}
	for _, s := range []Scorer{NewBleu(4), NewCider(true, 6, nil), NewCider(false, 6, nil), NewRouge()} {
		res, err := s.Score(context.Background(), hyps, refs)
		if err != nil {
			t.Fatalf("%s: %v", s.Metric(), err)
		}
		if res.PerSample["v1"] != 0 {
			t.Errorf("%s: empty hypothesis scored %v", s.Metric(), res.PerSample["v1"])
		}
	}
}

func TestMissingReferencesIsInputError(t *testing.T) {
	hyps := map[string]string{"v1": "a dog"}
	for _, refs := range []map[string][]string{
		{},
		{"v1": {}},
		{"v1": {"..."}},
	} {
		_, err := NewRouge().Score(context.Background(), hyps, refs)
		if !errors.Is(err, ErrInput) {
			t.Errorf("refs %v: error = %v, want ErrInput", refs, err)
		}
	}
}

func TestCiderIdenticalCaption(t *testing.T) {
	hyps := map[string]string{"v1": "a man plays guitar", "v2": "the dog runs fast"}
	refs := map[string][]string{"v1": {"a man plays guitar"}, "v2": {"the dog runs fast"}}

	for _, penalized := range []bool{true, false} {
		res, err := NewCider(penalized, 6, nil).Score(context.Background(), hyps, refs)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if !approx(res.Corpus, 10, 1e-9) {
			t.Errorf("penalized=%v corpus = %v, want 10", penalized, res.Corpus)
		}
	}
}

func TestCiderLengthPenalty(t *testing.T) {
	refs := map[string][]string{"v1": {"a man plays a red guitar on stage"}, "v2": {"the dog runs fast"}}
	hyps := map[string]string{"v1": "a man plays a red guitar on stage now and then", "v2": "the dog runs fast"}

	plain, err := NewCider(false, 6, nil).Score(context.Background(), hyps, refs)
	if err != nil {
		t.Fatal(err)
	}
	penal, err := NewCider(true, 6, nil).Score(context.Background(), hyps, refs)
	if err != nil {
		t.Fatal(err)
	}
	if penal.PerSample["v1"] >= plain.PerSample["v1"] {
		t.Errorf("CIDEr-D %v should be below CIDEr %v for a longer hypothesis", penal.PerSample["v1"], plain.PerSample["v1"])
	}
}

func TestDocumentFrequencyRoundTrip(t *testing.T) {
	refs := map[string][]string{"v1": {"a man plays", "a man sings"}, "v2": {"a dog runs"}}
	df := BuildDocumentFrequency(refs)
	if df.DF["a"] != 2 || df.DF["man"] != 1 || df.DF["a man"] != 1 {
		t.Fatalf("unexpected df: %v", df.DF)
	}
	if !approx(df.RefLen, math.Log(2), 1e-12) {
		t.Fatalf("ref len = %v", df.RefLen)
	}

	path := filepath.Join(t.TempDir(), "df.json")
	if err := df.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadDocumentFrequency(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RefLen != df.RefLen || len(loaded.DF) != len(df.DF) {
		t.Errorf("loaded df differs: %+v", loaded)
	}
}

func TestRouge(t *testing.T) {
	hyps := map[string]string{"v1": "a man is playing a guitar", "v2": "a man"}
	refs := map[string][]string{"v1": {"a man is playing a guitar"}, "v2": {"a man is walking"}}
	res, err := NewRouge().Score(context.Background(), hyps, refs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approx(res.PerSample["v1"], 1, 1e-12) {
		t.Errorf("identical rouge = %v", res.PerSample["v1"])
	}
	// P = 1, R = 0.5
	b2 := rougeBeta * rougeBeta
	want := (1 + b2) * 0.5 / (0.5 + b2)
	if !approx(res.PerSample["v2"], want, 1e-12) {
		t.Errorf("rouge = %v, want %v", res.PerSample["v2"], want)
	}
}

func TestNewRejectsComposite(t *testing.T) {
	if _, err := New(Composite, Options{}); err == nil {
		t.Fatal("expected error for composite scorer")
	}
	s, err := New(CIDEr, Options{Reward: true})
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := s.(*Cider); !ok || !c.penalized {
		t.Errorf("reward CIDEr should be CIDEr-D, got %#v", s)
	}
}
