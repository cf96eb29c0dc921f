package captioner

import (
	"context"
	"math"
	"testing"

	"github.com/tsawler/go-cst/optimizer"
	"github.com/tsawler/go-cst/tensor"
	"github.com/tsawler/go-cst/training"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(Config{VocabSize: 7, FeatureDims: []int{3, 2}, HiddenSize: 5, SeqLength: 4, Seed: 11})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func testFeats(t *testing.T) []*tensor.Tensor {
	t.Helper()
	a, err := tensor.FromRows([][]float64{{0.1, -0.2, 0.3}, {0.5, 0.4, -0.1}})
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	b, err := tensor.FromRows([][]float64{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	return []*tensor.Tensor{a, b}
}

// Two videos, two captions each.
var testLabels = [][]int{
	{1, 3, 4, 0, 0, 0},
	{1, 3, 5, 6, 0, 0},
	{1, 6, 0, 0, 0, 0},
	{1, 4, 4, 5, 3, 0},
}

func shifted(labels [][]int) ([][]int, [][]float64) {
	target := make([][]int, len(labels))
	mask := make([][]float64, len(labels))
	for i, row := range labels {
		target[i] = row[1:]
		mask[i] = make([]float64, len(row)-1)
		for j, tok := range row[1:] {
			mask[i][j] = 1
			if tok == 0 {
				break
			}
		}
	}
	return target, mask
}

func xeLoss(t *testing.T, m *Model) (float64, *tensor.Tensor) {
	t.Helper()
	res, err := m.Forward(context.Background(), testFeats(t), testLabels, training.ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	target, mask := shifted(testLabels)
	loss, err := training.NewMaskedCrossEntropy().Forward(res.LogProbs, target, mask)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	return loss.Value, loss.Grad
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m := newTestModel(t)
	m.SetSeqPerImg(2)
	_, grad := xeLoss(t, m)
	optimizer.ZeroGrad(m.Parameters())
	if err := m.Backward(context.Background(), grad); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const eps = 1e-6
	for _, p := range m.Parameters() {
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			analytic := p.Grad[i]
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus, _ := xeLoss(t, m)
			p.Data[i] = orig - eps
			minus, _ := xeLoss(t, m)
			p.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-analytic) > 1e-5*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %g, numeric %g", p.Name, i, analytic, numeric)
			}
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	m := newTestModel(t)
	m.SetSeqPerImg(2)
	params := m.Parameters()
	opt, err := optimizer.New(optimizer.Config{Name: "adam", LearningRate: 0.05}, optimizer.Shapes(params))
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	first, _ := xeLoss(t, m)
	var last float64
	for i := 0; i < 50; i++ {
		loss, grad := xeLoss(t, m)
		last = loss
		optimizer.ZeroGrad(params)
		if err := m.Backward(context.Background(), grad); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		if _, err := optimizer.ClipGradNorm(params, 5); err != nil {
			t.Fatalf("clip: %v", err)
		}
		if err := opt.Step(params); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if math.IsNaN(last) || last >= first {
		t.Fatalf("loss went from %g to %g", first, last)
	}
}

func TestSampleGreedyIsDeterministic(t *testing.T) {
	m := newTestModel(t)
	m.SetSeqPerImg(3)
	ctx := context.Background()
	a, err := m.Sample(ctx, testFeats(t), training.SampleOptions{Greedy: true})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	b, _ := m.Sample(ctx, testFeats(t), training.SampleOptions{BeamSize: 5})
	if len(a.Seq) != 2 || len(a.Seq[0]) != 5 {
		t.Fatalf("greedy decode shape %dx%d", len(a.Seq), len(a.Seq[0]))
	}
	for r := range a.Seq {
		for i := range a.Seq[r] {
			if a.Seq[r][i] != b.Seq[r][i] {
				t.Fatalf("greedy and beam decodes differ: %v vs %v", a.Seq, b.Seq)
			}
		}
		for i, tok := range a.Seq[r] {
			if tok == 0 {
				for _, rest := range a.Seq[r][i:] {
					if rest != 0 {
						t.Fatalf("tokens after EOS: %v", a.Seq[r])
					}
				}
				break
			}
		}
	}

	expanded, err := m.Sample(ctx, testFeats(t), training.SampleOptions{Greedy: true, ExpandFeat: true})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(expanded.Seq) != 6 {
		t.Fatalf("expanded decode has %d rows, want 6", len(expanded.Seq))
	}
	for r := range expanded.Seq {
		want := a.Seq[r/3]
		for i := range want {
			if expanded.Seq[r][i] != want[i] {
				t.Fatalf("row %d differs from its video's greedy decode", r)
			}
		}
	}
}

func TestForwardSampleKeepsMixerPrefix(t *testing.T) {
	m := newTestModel(t)
	m.SetSeqPerImg(2)
	m.SetMixerFrom(2)
	res, err := m.Forward(context.Background(), testFeats(t), testLabels, training.ForwardOptions{Sample: true})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for r, row := range res.Seq {
		if row[0] != testLabels[r][1] || row[1] != testLabels[r][2] {
			t.Fatalf("row %d prefix = %v, labels %v", r, row[:2], testLabels[r])
		}
		for i, tok := range row {
			if want := res.SeqLogProbs[r][i]; tok >= 0 {
				got, _ := res.LogProbs.At(r, i, tok)
				if got != want {
					t.Fatalf("SeqLogProbs[%d][%d] = %g, log-prob table says %g", r, i, want, got)
				}
			}
		}
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	a := newTestModel(t)
	b, err := New(Config{VocabSize: 7, FeatureDims: []int{3, 2}, HiddenSize: 5, SeqLength: 4, Seed: 99})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetSeqPerImg(2)
	b.SetSeqPerImg(2)
	if err := b.LoadStateDict(a.StateDict()); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	la, _ := xeLoss(t, a)
	lb, _ := xeLoss(t, b)
	if la != lb {
		t.Fatalf("losses differ after loading weights: %g vs %g", la, lb)
	}

	small, _ := New(Config{VocabSize: 7, FeatureDims: []int{3, 2}, HiddenSize: 4, SeqLength: 4})
	if err := small.LoadStateDict(a.StateDict()); err == nil {
		t.Fatalf("mismatched shapes accepted")
	}
}

func TestBackwardWithoutForward(t *testing.T) {
	m := newTestModel(t)
	g, _ := tensor.Zeros([]int{1, 1, 7})
	if err := m.Backward(context.Background(), g); err == nil {
		t.Fatalf("Backward without Forward succeeded")
	}
}
