package training

import (
	"bytes"
	"log"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/optimizer"
	"github.com/tsawler/evomask/tensor"
)

func newTestState(t *testing.T, seed int64) *State {
	t.Helper()
	params, err := model.Init(rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatal(err)
	}
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	return &State{Params: params, Optimizer: opt}
}

func newTestBatch(t *testing.T, batch int, rng *rand.Rand) Batch {
	t.Helper()
	images, err := tensor.RandN([]int{batch, model.ImageHeight, model.ImageWidth, model.ImageChannels}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	classLabels := make([]int32, batch)
	taskLabels := make([]int32, batch)
	for i := range classLabels {
		classLabels[i] = int32(rng.Intn(model.NumClasses))
		taskLabels[i] = int32(rng.Intn(datasets.NumCorpora))
	}
	return Batch{Images: images, ClassLabels: classLabels, TaskLabels: taskLabels}
}

func newTestBundle(t *testing.T, split datasets.Split, names []string, samples int, seed int64) *datasets.Bundle {
	t.Helper()
	b, err := datasets.Synthetic(split, names, samples,
		model.ImageHeight, model.ImageWidth, model.ImageChannels, model.NumClasses,
		rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestBundles(t *testing.T, samples int) *BundleSet {
	t.Helper()
	names := []string{"alpha", "beta"}
	return &BundleSet{
		Train:      newTestBundle(t, datasets.SplitTrain, names, samples, 100),
		Validation: newTestBundle(t, datasets.SplitValidation, names, samples, 200),
		Test:       newTestBundle(t, datasets.SplitTest, names, samples, 300),
	}
}

func TestTrainStepChangesParams(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newTestState(t, 1)
	batch := newTestBatch(t, 2, rng)

	before := state.Params.Clone()
	next, metrics, err := TrainStep(state, batch, StepConfig{})
	if err != nil {
		t.Fatal(err)
	}

	if next.Step != state.Step+1 {
		t.Errorf("step counter: got %d, want %d", next.Step, state.Step+1)
	}
	if metrics.Loss <= 0 || math.IsNaN(metrics.Loss) || math.IsInf(metrics.Loss, 0) {
		t.Errorf("loss %g is not a positive finite number", metrics.Loss)
	}
	if metrics.Accuracy < 0 || metrics.Accuracy > 1 {
		t.Errorf("accuracy %g out of range", metrics.Accuracy)
	}

	changed := false
	for name, layer := range next.Params {
		a := before[name].Kernel.Float32s()
		b := layer.Kernel.Float32s()
		for i := range a {
			if a[i] != b[i] {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("a training step left every parameter unchanged")
	}

	// The original state's parameters stay intact.
	for name, layer := range state.Params {
		a := before[name].Kernel.Float32s()
		b := layer.Kernel.Float32s()
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("training step mutated the input state at layer %s", name)
			}
		}
	}
}

func TestEvalStepIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	state := newTestState(t, 2)
	batch := newTestBatch(t, 2, rng)

	before := state.Params.Clone()
	first, err := EvalStep(state, batch, StepConfig{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := EvalStep(state, batch, StepConfig{})
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("evaluation is not idempotent: %+v vs %+v", first, second)
	}
	for name, layer := range state.Params {
		a := before[name].Kernel.Float32s()
		b := layer.Kernel.Float32s()
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("evaluation mutated parameters at layer %s", name)
			}
		}
	}
}

func TestTrainStepWithMask(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	state := newTestState(t, 3)
	batch := newTestBatch(t, 2, rng)

	net := model.MaskNet{NumTasks: datasets.NumCorpora, MaskWidth: model.FeatureWidth}
	maskParams := make([]float32, net.NumParams())
	for i := range maskParams {
		maskParams[i] = float32(rng.NormFloat64())
	}

	_, metrics, err := TrainStep(state, batch, StepConfig{MaskParams: maskParams})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(metrics.Loss) {
		t.Error("masked training produced a NaN loss")
	}
}

func TestTrainStepMaskWidthMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	state := newTestState(t, 4)
	batch := newTestBatch(t, 2, rng)

	if _, _, err := TrainStep(state, batch, StepConfig{MaskParams: make([]float32, 7)}); err == nil {
		t.Error("expected a mask parameter count error")
	}
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	if _, err := acc.Mean(); err == nil {
		t.Error("expected an error from an empty accumulator")
	}

	acc.Add(datasets.Metrics{Loss: 1, Accuracy: 0.25})
	acc.Add(datasets.Metrics{Loss: 3, Accuracy: 0.75})
	if acc.Count() != 2 {
		t.Errorf("count: got %d, want 2", acc.Count())
	}

	mean, err := acc.Mean()
	if err != nil {
		t.Fatal(err)
	}
	if mean.Loss != 2 || mean.Accuracy != 0.5 {
		t.Errorf("mean: got %+v", mean)
	}
}

func TestEpochStepBatchCount(t *testing.T) {
	state := newTestState(t, 5)
	bundle := newTestBundle(t, datasets.SplitTrain, []string{"only"}, 10, 5)

	// 10 samples at batch size 3 is exactly 3 batches; the remainder drops.
	next, err := EpochStep(true, state, bundle, 3, rand.New(rand.NewSource(5)), StepConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Step != 3 {
		t.Errorf("got %d training steps, want 3", next.Step)
	}
	if _, ok := bundle.Metrics["only"]; !ok {
		t.Error("epoch did not record metrics for the dataset")
	}
}

func TestEpochStepBatchTooLarge(t *testing.T) {
	state := newTestState(t, 6)
	bundle := newTestBundle(t, datasets.SplitTrain, []string{"only"}, 4, 6)

	if _, err := EpochStep(true, state, bundle, 5, rand.New(rand.NewSource(6)), StepConfig{}, nil); err == nil {
		t.Error("expected a batch size error")
	}
}

func TestEpochStepEvalKeepsState(t *testing.T) {
	state := newTestState(t, 7)
	bundle := newTestBundle(t, datasets.SplitValidation, []string{"only"}, 6, 7)

	next, err := EpochStep(false, state, bundle, 2, rand.New(rand.NewSource(7)), StepConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Step != 0 {
		t.Errorf("evaluation advanced the step counter to %d", next.Step)
	}
}

func TestEarlyStopperSequence(t *testing.T) {
	state := newTestState(t, 8)

	var stopper earlyStopper
	accuracies := []struct {
		val      float64
		test     float64
		improved bool
	}{
		{0.5, 0.48, true},
		{0.6, 0.58, true},
		{0.55, 0.62, false},
	}
	for i, step := range accuracies {
		improved, err := stopper.observe(step.val, step.test, state)
		if err != nil {
			t.Fatal(err)
		}
		if improved != step.improved {
			t.Fatalf("epoch %d: improved=%v, want %v", i, improved, step.improved)
		}
	}

	// The regression at epoch 3 leaves epoch 2 as the best.
	if stopper.bestVal != 0.6 {
		t.Errorf("best validation accuracy: got %g, want 0.6", stopper.bestVal)
	}
	if stopper.bestTest != 0.58 {
		t.Errorf("best test accuracy: got %g, want 0.58", stopper.bestTest)
	}
	if stopper.best == nil {
		t.Error("no best snapshot recorded")
	}
}

func TestEarlyStopperTieStops(t *testing.T) {
	state := newTestState(t, 9)

	var stopper earlyStopper
	if improved, err := stopper.observe(0.5, 0.5, state); err != nil || !improved {
		t.Fatalf("first epoch should improve: %v %v", improved, err)
	}
	if improved, _ := stopper.observe(0.5, 0.6, state); improved {
		t.Error("a tie must not count as improvement")
	}
}

func TestEarlyStopperFirstEpochRegression(t *testing.T) {
	var stopper earlyStopper
	improved, err := stopper.observe(0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if improved {
		t.Error("zero accuracy on a fresh stopper must not improve")
	}
	if stopper.best != nil {
		t.Error("no snapshot should exist")
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	state := newTestState(t, 10)

	clone, err := state.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.Params[model.FinalLayerName].Kernel.Float32s()[0] = 99

	if state.Params[model.FinalLayerName].Kernel.Float32s()[0] == 99 {
		t.Error("mutating a clone changed the original parameters")
	}
	if clone.Optimizer == state.Optimizer {
		t.Error("clone shares the optimizer instance")
	}
}

func TestRunCompleted(t *testing.T) {
	result, err := Run(RunConfig{
		Seed:         1,
		NumEpochs:    1,
		BatchSize:    2,
		LearningRate: 0.01,
		Bundles:      newTestBundles(t, 4),
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Phase != PhaseCompleted {
		t.Errorf("phase: got %s, want %s", result.Phase, PhaseCompleted)
	}
	if result.EpochsRun != 1 {
		t.Errorf("epochs run: got %d, want 1", result.EpochsRun)
	}
	if result.State == nil {
		t.Fatal("no final state returned")
	}
	if result.TestAccuracy < 0 || result.TestAccuracy > 1 {
		t.Errorf("test accuracy %g out of range", result.TestAccuracy)
	}
}

func TestRunEvalOnly(t *testing.T) {
	bundles := newTestBundles(t, 4)
	result, err := Run(RunConfig{
		Seed:      2,
		BatchSize: 2,
		EvalOnly:  true,
		Bundles:   bundles,
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Phase != PhaseCompleted {
		t.Errorf("phase: got %s, want %s", result.Phase, PhaseCompleted)
	}
	for _, name := range bundles.Test.Names {
		if _, ok := bundles.Test.Metrics[name]; !ok {
			t.Errorf("no test metrics recorded for %q", name)
		}
	}
}

func TestRunConfigValidation(t *testing.T) {
	bundles := newTestBundles(t, 4)

	if _, err := Run(RunConfig{NumEpochs: 1, BatchSize: 0, Bundles: bundles}); err == nil {
		t.Error("expected a batch size error")
	}
	if _, err := Run(RunConfig{NumEpochs: 0, BatchSize: 2, Bundles: bundles}); err == nil {
		t.Error("expected an epoch count error")
	}
	if _, err := Run(RunConfig{NumEpochs: 1, BatchSize: 2}); err == nil {
		t.Error("expected a missing bundles error")
	}
}

func TestRunLoader(t *testing.T) {
	result, err := Run(RunConfig{
		Seed:      3,
		NumEpochs: 1,
		BatchSize: 2,
		Loader: func() (*BundleSet, error) {
			return newTestBundles(t, 4), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Phase != PhaseCompleted {
		t.Errorf("phase: got %s, want %s", result.Phase, PhaseCompleted)
	}
}

func TestObjective(t *testing.T) {
	objective := Objective(ObjectiveConfig{
		Bundles:   newTestBundles(t, 4),
		NumEpochs: 1,
		Seed:      4,
	})

	if _, err := objective(-1, 2); err == nil {
		t.Error("expected a learning rate error")
	}

	acc, err := objective(0.01, 2)
	if err != nil {
		t.Fatal(err)
	}
	if acc < 0 || acc > 1 {
		t.Errorf("objective value %g out of range", acc)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: log.New(&buf, "", 0)}

	sink.LogScalar("train/loss", 1.25, 3)
	if got := buf.String(); got != "train/loss=1.250000 step=3\n" {
		t.Errorf("unexpected log line %q", got)
	}

	// A nil logger is a no-op, as is the null sink.
	LogSink{}.LogScalar("x", 0, 0)
	NullSink{}.LogScalar("x", 0, 0)
}
