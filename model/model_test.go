package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/evomask/tensor"
)

func testImages(t *testing.T, batch int, rng *rand.Rand) *tensor.Tensor {
	t.Helper()
	images, err := tensor.RandN([]int{batch, ImageHeight, ImageWidth, ImageChannels}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	return images
}

func testLabels(batch int, rng *rand.Rand) []int32 {
	labels := make([]int32, batch)
	for i := range labels {
		labels[i] = int32(rng.Intn(NumClasses))
	}
	return labels
}

func zeroParams(t *testing.T) Params {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	for _, layer := range params {
		for i := range layer.Kernel.Float32s() {
			layer.Kernel.Float32s()[i] = 0
		}
	}
	return params
}

func TestForwardShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}

	logits, cache, err := Forward(params, testImages(t, 3, rng), ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if logits.Shape[0] != 3 || logits.Shape[1] != NumClasses {
		t.Errorf("unexpected logits shape %v", logits.Shape)
	}
	if cache == nil {
		t.Error("expected a forward cache")
	}
}

func TestForwardZeroParamsGivesUniformLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	params := zeroParams(t)

	logits, _, err := Forward(params, testImages(t, 4, rng), ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range logits.Float32s() {
		if v != 0 {
			t.Fatalf("logit %d is %g with zero parameters", i, v)
		}
	}

	loss, err := CrossEntropyLoss(logits, testLabels(4, rng))
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(float64(NumClasses))
	if math.Abs(loss-want) > 1e-6 {
		t.Errorf("uniform loss: got %g, want %g", loss, want)
	}
}

func TestForwardMask(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	images := testImages(t, 2, rng)

	plain, _, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}

	ones, err := tensor.Ones([]int{FeatureWidth})
	if err != nil {
		t.Fatal(err)
	}
	masked, _, err := Forward(params, images, ForwardConfig{Mask: ones})
	if err != nil {
		t.Fatal(err)
	}
	for i := range plain.Float32s() {
		if plain.Float32s()[i] != masked.Float32s()[i] {
			t.Fatalf("an all-ones mask changed logit %d", i)
		}
	}

	// Zeroing every feature leaves only the final layer bias, which Init
	// sets to zero.
	zeros, err := tensor.Zeros([]int{FeatureWidth}, tensor.Float32)
	if err != nil {
		t.Fatal(err)
	}
	gated, _, err := Forward(params, images, ForwardConfig{Mask: zeros})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range gated.Float32s() {
		if v != 0 {
			t.Fatalf("logit %d is %g under an all-zeros mask", i, v)
		}
	}
}

func TestForwardMaskShapeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}

	bad, err := tensor.Ones([]int{FeatureWidth + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Forward(params, testImages(t, 2, rng), ForwardConfig{Mask: bad}); err == nil {
		t.Error("expected a mask width mismatch error")
	}
}

func TestForwardDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	images := testImages(t, 2, rng)

	a, _, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Float32s() {
		if a.Float32s()[i] != b.Float32s()[i] {
			t.Fatalf("forward pass is not deterministic at logit %d", i)
		}
	}
}

func TestBackwardFinalBias(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	images := testImages(t, 4, rng)
	labels := testLabels(4, rng)

	logits, cache, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	grads, err := Backward(params, cache, logits, labels, 0)
	if err != nil {
		t.Fatal(err)
	}

	// The final bias gradient is the column mean of softmax minus one-hot.
	probs := softmaxRows(logits)
	want := make([]float64, NumClasses)
	for i := 0; i < 4; i++ {
		for c := 0; c < NumClasses; c++ {
			p := float64(probs[i*NumClasses+c])
			if int32(c) == labels[i] {
				p -= 1
			}
			want[c] += p / 4
		}
	}

	got := grads[FinalLayerName].Bias.Float32s()
	for c := range want {
		if math.Abs(float64(got[c])-want[c]) > 1e-5 {
			t.Errorf("final bias gradient %d: got %g, want %g", c, got[c], want[c])
		}
	}
}

func TestBackwardL1Gradient(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	images := testImages(t, 2, rng)
	labels := testLabels(2, rng)

	logits, cache, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	plain, err := Backward(params, cache, logits, labels, 0)
	if err != nil {
		t.Fatal(err)
	}
	logits, cache, err = Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	const lambda = 0.01
	withL1, err := Backward(params, cache, logits, labels, lambda)
	if err != nil {
		t.Fatal(err)
	}

	kernel := params[FinalLayerName].Kernel.Float32s()
	a := plain[FinalLayerName].Kernel.Float32s()
	b := withL1[FinalLayerName].Kernel.Float32s()
	for i := range kernel {
		wantDelta := float64(0)
		if kernel[i] > 0 {
			wantDelta = lambda
		} else if kernel[i] < 0 {
			wantDelta = -lambda
		}
		delta := float64(b[i] - a[i])
		if math.Abs(delta-wantDelta) > 1e-6 {
			t.Fatalf("L1 gradient delta at %d: got %g, want %g", i, delta, wantDelta)
		}
	}

	// Non-final layers are untouched by the penalty.
	c := plain[Dense0Name].Kernel.Float32s()
	d := withL1[Dense0Name].Kernel.Float32s()
	for i := range c {
		if c[i] != d[i] {
			t.Fatalf("L1 penalty leaked into %s at %d", Dense0Name, i)
		}
	}
}

// Perturbing the parameters along the gradient direction must change the
// loss at the rate the gradient predicts.
func TestBackwardDirectionalDerivative(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	params, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}
	images := testImages(t, 4, rng)
	labels := testLabels(4, rng)

	logits, cache, err := Forward(params, images, ForwardConfig{})
	if err != nil {
		t.Fatal(err)
	}
	grads, err := Backward(params, cache, logits, labels, 0)
	if err != nil {
		t.Fatal(err)
	}

	var normSq float64
	for _, layer := range grads {
		for _, v := range layer.Kernel.Float32s() {
			normSq += float64(v) * float64(v)
		}
		for _, v := range layer.Bias.Float32s() {
			normSq += float64(v) * float64(v)
		}
	}
	if normSq == 0 {
		t.Fatal("gradient is identically zero")
	}

	const eps = 1e-2
	lossAt := func(sign float32) float64 {
		shifted := params.Clone()
		for name, layer := range shifted {
			g := grads[name]
			kernel := layer.Kernel.Float32s()
			for i, v := range g.Kernel.Float32s() {
				kernel[i] += sign * eps * v
			}
			bias := layer.Bias.Float32s()
			for i, v := range g.Bias.Float32s() {
				bias[i] += sign * eps * v
			}
		}
		out, _, err := Forward(shifted, images, ForwardConfig{})
		if err != nil {
			t.Fatal(err)
		}
		loss, err := CrossEntropyLoss(out, labels)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	numeric := (lossAt(1) - lossAt(-1)) / (2 * eps)
	if math.Abs(numeric-normSq) > 0.15*normSq {
		t.Errorf("directional derivative %g too far from gradient norm %g", numeric, normSq)
	}
}

func TestAccuracy(t *testing.T) {
	logits, err := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{0, 5, 0, 3, 1, 2})
	if err != nil {
		t.Fatal(err)
	}

	acc, err := Accuracy(logits, []int32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if acc != 1 {
		t.Errorf("got accuracy %g, want 1", acc)
	}

	acc, err = Accuracy(logits, []int32{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if acc != 0.5 {
		t.Errorf("got accuracy %g, want 0.5", acc)
	}
}

func TestCrossEntropyLabelOutOfRange(t *testing.T) {
	logits, err := tensor.NewTensor([]int{1, 3}, tensor.Float32, []float32{0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CrossEntropyLoss(logits, []int32{3}); err == nil {
		t.Error("expected an out-of-range label error")
	}
}

func TestMaskNet(t *testing.T) {
	net := MaskNet{NumTasks: 3, MaskWidth: 4}
	if got := net.NumParams(); got != 16 {
		t.Fatalf("NumParams: got %d, want 16", got)
	}

	params := make([]float32, net.NumParams())
	// Kernel row 1 all 2, bias all -1.
	for j := 0; j < 4; j++ {
		params[4+j] = 2
		params[12+j] = -1
	}

	mask, err := net.Apply(params, []int32{1, 0, 7})
	if err != nil {
		t.Fatal(err)
	}
	if mask.Shape[0] != 3 || mask.Shape[1] != 4 {
		t.Fatalf("unexpected mask shape %v", mask.Shape)
	}

	data := mask.Float32s()
	wantRow0 := 1.0 / (1.0 + math.Exp(-1)) // sigmoid(2 - 1)
	wantBias := 1.0 / (1.0 + math.Exp(1))  // sigmoid(-1)
	if math.Abs(float64(data[0])-wantRow0) > 1e-6 {
		t.Errorf("label 1 mask: got %g, want %g", data[0], wantRow0)
	}
	if math.Abs(float64(data[4])-wantBias) > 1e-6 {
		t.Errorf("label 0 mask: got %g, want %g", data[4], wantBias)
	}
	// Out-of-range labels fall back to the bias row.
	if data[8] != data[4] {
		t.Errorf("out-of-range label mask %g differs from bias-only %g", data[8], data[4])
	}
}

func TestMaskNetValidate(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	cnn, err := Init(rng)
	if err != nil {
		t.Fatal(err)
	}

	good := MaskNet{NumTasks: 3, MaskWidth: FeatureWidth}
	if err := good.Validate(make([]float32, good.NumParams()), cnn); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := good.Validate(make([]float32, 5), cnn); err == nil {
		t.Error("expected a parameter count error")
	}

	bad := MaskNet{NumTasks: 3, MaskWidth: FeatureWidth + 1}
	if err := bad.Validate(make([]float32, bad.NumParams()), cnn); err == nil {
		t.Error("expected a mask width mismatch error")
	}
}
