package optimizer

import "testing"

func TestNewSelectsOptimizer(t *testing.T) {
	shapes := [][]int{{2, 2}}
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"adam", "Adam", false},
		{"sgd", "SGD", false},
		{"rmsprop", "RMSProp", false},
		{"adagrad", "AdaGrad", false},
		{"lbfgs", "", true},
	}
	for _, tt := range tests {
		opt, err := New(Config{Name: tt.name, LearningRate: 0.1, Momentum: 0.5}, shapes)
		if (err != nil) != tt.wantErr {
			t.Fatalf("New(%q) error = %v", tt.name, err)
		}
		if err != nil {
			continue
		}
		state, err := opt.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}
		if state.Type != tt.want {
			t.Errorf("New(%q) built %s", tt.name, state.Type)
		}
		if opt.GetLearningRate() != 0.1 {
			t.Errorf("New(%q) learning rate = %f", tt.name, opt.GetLearningRate())
		}
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"nounderscore", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.want {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", tt.name, got, tt.want)
		}
	}
}

func TestShapes(t *testing.T) {
	params := []*Parameter{{Shape: []int{2, 3}}, {Shape: []int{4}}}
	shapes := Shapes(params)
	if len(shapes) != 2 || shapes[0][1] != 3 || shapes[1][0] != 4 {
		t.Errorf("unexpected shapes %v", shapes)
	}
}
