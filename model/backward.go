package model

import (
	"fmt"

	"github.com/tsawler/evomask/tensor"
)

// Backward computes the gradients of the mean cross-entropy loss (plus the
// optional L1 penalty on the final layer's kernel) with respect to every CNN
// parameter. It consumes the cache produced by Forward and never mutates the
// parameters themselves.
func Backward(p Params, cache *ForwardCache, logits *tensor.Tensor, labels []int32, l1Lambda float64) (Params, error) {
	if cache == nil {
		return nil, fmt.Errorf("backward requires a forward cache")
	}
	if logits.Shape[0] != len(labels) {
		return nil, fmt.Errorf("batch mismatch: %d logit rows vs %d labels", logits.Shape[0], len(labels))
	}

	conv0Layer, err := p.Layer(Conv0Name)
	if err != nil {
		return nil, err
	}
	conv1Layer, err := p.Layer(Conv1Name)
	if err != nil {
		return nil, err
	}
	dense0Layer, err := p.Layer(Dense0Name)
	if err != nil {
		return nil, err
	}
	finalLayer, err := p.Layer(FinalLayerName)
	if err != nil {
		return nil, err
	}

	batch, classes := logits.Shape[0], logits.Shape[1]

	// d(loss)/d(logits) = (softmax - onehot) / B.
	dLogitsData := softmaxRows(logits)
	for i := 0; i < batch; i++ {
		dLogitsData[i*classes+int(labels[i])] -= 1
	}
	invB := float32(1.0 / float64(batch))
	for i := range dLogitsData {
		dLogitsData[i] *= invB
	}
	dLogits, err := tensor.NewTensor([]int{batch, classes}, tensor.Float32, dLogitsData)
	if err != nil {
		return nil, err
	}

	grads := make(Params, len(p))

	// Final dense layer.
	dFinalKernel, err := tensor.MatMulTransA(cache.features, dLogits)
	if err != nil {
		return nil, err
	}
	if l1Lambda != 0 {
		addL1Gradient(dFinalKernel, finalLayer.Kernel, float32(l1Lambda))
	}
	dFinalBias := columnSums(dLogits)
	grads[FinalLayerName] = &Layer{Kernel: dFinalKernel, Bias: dFinalBias}

	dFeatures, err := tensor.MatMulTransB(dLogits, finalLayer.Kernel)
	if err != nil {
		return nil, err
	}

	// Mask and dropout are constants of the pass: both backprop as
	// elementwise products.
	featData := dFeatures.Float32s()
	if cache.mask != nil {
		m := cache.mask.Float32s()
		width := dFeatures.Shape[1]
		if len(cache.mask.Shape) == 1 {
			for i := range featData {
				featData[i] *= m[i%width]
			}
		} else {
			for i := range featData {
				featData[i] *= m[i]
			}
		}
	}
	if cache.dropMask != nil {
		for i := range featData {
			featData[i] *= cache.dropMask[i]
		}
	}

	// ReLU on the feature layer.
	for i, pre := range cache.dense0Pre {
		if pre <= 0 {
			featData[i] = 0
		}
	}

	// Feature dense layer.
	dDense0Kernel, err := tensor.MatMulTransA(cache.flat, dFeatures)
	if err != nil {
		return nil, err
	}
	dDense0Bias := columnSums(dFeatures)
	grads[Dense0Name] = &Layer{Kernel: dDense0Kernel, Bias: dDense0Bias}

	dFlat, err := tensor.MatMulTransB(dFeatures, dense0Layer.Kernel)
	if err != nil {
		return nil, err
	}

	// Second conv block.
	dPool1Out, err := dFlat.Reshape([]int{cache.pool1In[0], cache.pool1In[1] / 2, cache.pool1In[2] / 2, cache.pool1In[3]})
	if err != nil {
		return nil, err
	}
	dConv1Out := maxPool2Backward(dPool1Out, cache.pool1Idx, cache.pool1In)
	reluBackwardInPlace(dConv1Out, cache.conv1.pre)

	dConv1Kernel, dConv1Bias, dPool0Out, err := conv2dBackward(dConv1Out, cache.conv1, conv1Layer, true)
	if err != nil {
		return nil, fmt.Errorf("%s backward: %v", Conv1Name, err)
	}
	grads[Conv1Name] = &Layer{Kernel: dConv1Kernel, Bias: dConv1Bias}

	// First conv block. The input gradient is not needed below this layer.
	dConv0Out := maxPool2Backward(dPool0Out, cache.pool0Idx, cache.pool0In)
	reluBackwardInPlace(dConv0Out, cache.conv0.pre)

	dConv0Kernel, dConv0Bias, _, err := conv2dBackward(dConv0Out, cache.conv0, conv0Layer, false)
	if err != nil {
		return nil, fmt.Errorf("%s backward: %v", Conv0Name, err)
	}
	grads[Conv0Name] = &Layer{Kernel: dConv0Kernel, Bias: dConv0Bias}

	return grads, nil
}

// conv2dBackward produces kernel and bias gradients for a same-padded
// stride-1 convolution, plus the input gradient when wantInput is set.
func conv2dBackward(dOut *tensor.Tensor, cache *convCache, layer *Layer, wantInput bool) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	k := layer.Kernel.Shape[0]
	cin := layer.Kernel.Shape[2]
	cout := layer.Kernel.Shape[3]
	pad := (k - 1) / 2

	rows := dOut.NumElems / cout
	dOut2d, err := dOut.Reshape([]int{rows, cout})
	if err != nil {
		return nil, nil, nil, err
	}

	dKernel2d, err := tensor.MatMulTransA(cache.col, dOut2d)
	if err != nil {
		return nil, nil, nil, err
	}
	dKernel, err := dKernel2d.Reshape([]int{k, k, cin, cout})
	if err != nil {
		return nil, nil, nil, err
	}

	dBias := columnSums(dOut2d)

	if !wantInput {
		return dKernel, dBias, nil, nil
	}

	kernel2d, err := layer.Kernel.Reshape([]int{k * k * cin, cout})
	if err != nil {
		return nil, nil, nil, err
	}
	dCol, err := tensor.MatMulTransB(dOut2d, kernel2d)
	if err != nil {
		return nil, nil, nil, err
	}
	dInput, err := col2im(dCol, cache.inpad, k, pad)
	if err != nil {
		return nil, nil, nil, err
	}

	return dKernel, dBias, dInput, nil
}

// maxPool2Backward routes output gradients back to the positions the forward
// pass selected.
func maxPool2Backward(dOut *tensor.Tensor, idx []int, inShape []int) *tensor.Tensor {
	out := make([]float32, inShape[0]*inShape[1]*inShape[2]*inShape[3])
	src := dOut.Float32s()
	for i, v := range src {
		out[idx[i]] += v
	}

	t, _ := tensor.NewTensor(inShape, tensor.Float32, out)
	return t
}

func reluBackwardInPlace(grad *tensor.Tensor, pre []float32) {
	data := grad.Float32s()
	for i, p := range pre {
		if p <= 0 {
			data[i] = 0
		}
	}
}

// columnSums reduces a [R, C] tensor to its per-column sums [C].
func columnSums(t *tensor.Tensor) *tensor.Tensor {
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Float32s()
	out := make([]float32, cols)
	for i := 0; i < rows; i++ {
		base := i * cols
		for j := 0; j < cols; j++ {
			out[j] += data[base+j]
		}
	}

	sum, _ := tensor.NewTensor([]int{cols}, tensor.Float32, out)
	return sum
}

// addL1Gradient adds lambda * sign(kernel) to an existing kernel gradient.
func addL1Gradient(grad, kernel *tensor.Tensor, lambda float32) {
	g := grad.Float32s()
	k := kernel.Float32s()
	for i, v := range k {
		switch {
		case v > 0:
			g[i] += lambda
		case v < 0:
			g[i] -= lambda
		}
	}
}
