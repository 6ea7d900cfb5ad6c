package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/tensor"
)

func singleLayer(t *testing.T, kernel, bias []float32) model.Params {
	t.Helper()
	k, err := tensor.NewTensor([]int{len(kernel)}, tensor.Float32, append([]float32{}, kernel...))
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.NewTensor([]int{len(bias)}, tensor.Float32, append([]float32{}, bias...))
	if err != nil {
		t.Fatal(err)
	}
	return model.Params{"dense": {Kernel: k, Bias: b}}
}

func TestSGDVanillaStep(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatal(err)
	}

	params := singleLayer(t, []float32{1.0}, []float32{2.0})
	grads := singleLayer(t, []float32{0.5}, []float32{-1.0})

	next, err := opt.Step(params, grads)
	if err != nil {
		t.Fatal(err)
	}

	if got := next["dense"].Kernel.Float32s()[0]; math.Abs(float64(got)-0.95) > 1e-7 {
		t.Errorf("kernel: got %g, want 0.95", got)
	}
	if got := next["dense"].Bias.Float32s()[0]; math.Abs(float64(got)-2.1) > 1e-7 {
		t.Errorf("bias: got %g, want 2.1", got)
	}

	// Copy-on-write: the input parameters are untouched.
	if params["dense"].Kernel.Float32s()[0] != 1.0 {
		t.Error("Step mutated its input parameters")
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("step count: got %d, want 1", opt.GetStepCount())
	}
}

func TestSGDMomentum(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatal(err)
	}

	params := singleLayer(t, []float32{1.0}, []float32{0})
	grads := singleLayer(t, []float32{0.5}, []float32{0})

	// First step: velocity = 0.5, update = 0.05.
	params, err = opt.Step(params, grads)
	if err != nil {
		t.Fatal(err)
	}
	if got := params["dense"].Kernel.Float32s()[0]; math.Abs(float64(got)-0.95) > 1e-7 {
		t.Errorf("after step 1: got %g, want 0.95", got)
	}

	// Second step: velocity = 0.9*0.5 + 0.5 = 0.95, update = 0.095.
	params, err = opt.Step(params, grads)
	if err != nil {
		t.Fatal(err)
	}
	if got := params["dense"].Kernel.Float32s()[0]; math.Abs(float64(got)-0.855) > 1e-6 {
		t.Errorf("after step 2: got %g, want 0.855", got)
	}
}

func TestSGDConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SGDConfig
	}{
		{"zero lr", SGDConfig{LearningRate: 0}},
		{"negative lr", SGDConfig{LearningRate: -0.1}},
		{"momentum too large", SGDConfig{LearningRate: 0.1, Momentum: 1.0}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		if _, err := NewSGD(tt.cfg); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestAdamFirstStep(t *testing.T) {
	cfg := DefaultAdamConfig()
	opt, err := NewAdam(cfg)
	if err != nil {
		t.Fatal(err)
	}

	params := singleLayer(t, []float32{1.0}, []float32{0})
	grads := singleLayer(t, []float32{0.5}, []float32{0})

	next, err := opt.Step(params, grads)
	if err != nil {
		t.Fatal(err)
	}

	// With bias correction the first update has magnitude close to the
	// learning rate regardless of gradient scale.
	got := next["dense"].Kernel.Float32s()[0]
	want := 1.0 - float64(cfg.LearningRate)
	if math.Abs(float64(got)-want) > 1e-6 {
		t.Errorf("after step 1: got %g, want %g", got, want)
	}
}

func TestAdamConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdamConfig)
	}{
		{"zero lr", func(c *AdamConfig) { c.LearningRate = 0 }},
		{"beta1 too large", func(c *AdamConfig) { c.Beta1 = 1 }},
		{"beta2 negative", func(c *AdamConfig) { c.Beta2 = -0.5 }},
		{"zero epsilon", func(c *AdamConfig) { c.Epsilon = 0 }},
		{"negative weight decay", func(c *AdamConfig) { c.WeightDecay = -1 }},
	}
	for _, tt := range tests {
		cfg := DefaultAdamConfig()
		tt.mutate(&cfg)
		if _, err := NewAdam(cfg); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestStepValidation(t *testing.T) {
	opt, err := NewSGD(DefaultSGDConfig())
	if err != nil {
		t.Fatal(err)
	}

	params := singleLayer(t, []float32{1, 2}, []float32{0})
	wrongShape := singleLayer(t, []float32{1}, []float32{0})
	if _, err := opt.Step(params, wrongShape); err == nil {
		t.Error("expected a shape mismatch error")
	}

	missing := model.Params{}
	if _, err := opt.Step(params, missing); err == nil {
		t.Error("expected a missing layer error")
	}
}

func TestStateRoundTrip(t *testing.T) {
	for _, newOpt := range []func() (Optimizer, error){
		func() (Optimizer, error) { return NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}) },
		func() (Optimizer, error) { return NewAdam(DefaultAdamConfig()) },
	} {
		opt, err := newOpt()
		if err != nil {
			t.Fatal(err)
		}

		params := singleLayer(t, []float32{1.0, -0.5}, []float32{0.25})
		grads := singleLayer(t, []float32{0.5, 0.5}, []float32{-0.5})

		params, err = opt.Step(params, grads)
		if err != nil {
			t.Fatal(err)
		}

		state, err := opt.GetState()
		if err != nil {
			t.Fatal(err)
		}
		restored, err := FromState(state)
		if err != nil {
			t.Fatal(err)
		}
		if restored.GetStepCount() != opt.GetStepCount() {
			t.Errorf("%s: step count %d, want %d", state.Type, restored.GetStepCount(), opt.GetStepCount())
		}

		// Both optimizers must produce identical parameters from here on.
		a, err := opt.Step(params, grads)
		if err != nil {
			t.Fatal(err)
		}
		b, err := restored.Step(params, grads)
		if err != nil {
			t.Fatal(err)
		}
		ak, bk := a["dense"].Kernel.Float32s(), b["dense"].Kernel.Float32s()
		for i := range ak {
			if ak[i] != bk[i] {
				t.Errorf("%s: restored optimizer diverged at kernel %d: %g vs %g", state.Type, i, ak[i], bk[i])
			}
		}
	}
}

func TestFromStateUnknownType(t *testing.T) {
	opt, err := NewSGD(DefaultSGDConfig())
	if err != nil {
		t.Fatal(err)
	}
	state, err := opt.GetState()
	if err != nil {
		t.Fatal(err)
	}
	state.Type = "RMSProp"
	if _, err := FromState(state); err == nil {
		t.Error("expected an unknown optimizer type error")
	}
}
