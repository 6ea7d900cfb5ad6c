package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/tensor"
)

// ForwardConfig carries the optional inputs of a forward pass. All fields are
// static configuration resolved before any arithmetic runs; nothing in the
// pass branches on tensor values.
type ForwardConfig struct {
	// Mask is an optional feature mask: shape [W] (shared across the batch)
	// or [B, W] (per sample), where W is the penultimate feature width.
	Mask *tensor.Tensor

	// DropoutRate, when positive, drops penultimate features during training
	// with the given probability. Requires DropoutRNG.
	DropoutRate float64
	DropoutRNG  *rand.Rand
}

// ForwardCache holds the intermediate activations a backward pass needs.
// Evaluation-only callers can discard it.
type ForwardCache struct {
	images *tensor.Tensor

	conv0    *convCache
	pool0Idx []int
	pool0In  []int // shape of the pool input
	conv1    *convCache
	pool1Idx []int
	pool1In  []int

	flat      *tensor.Tensor // [B, flatWidth]
	dense0Pre []float32      // pre-activation of the feature layer
	dropMask  []float32      // nil when dropout is off; includes the 1/(1-p) scale
	mask      *tensor.Tensor // nil when no mask was applied
	features  *tensor.Tensor // final-layer input: masked, post-dropout features [B, W]
}

type convCache struct {
	col   *tensor.Tensor // im2col matrix [B*OH*OW, K*K*Cin]
	pre   []float32      // pre-activation output, NHWC order
	inpad []int          // input shape [B, H, W, Cin]
}

// Forward computes class logits for a batch of images. images must have
// shape [B, H, W, C]. The returned cache feeds Backward; it is nil-safe to
// ignore for evaluation.
func Forward(p Params, images *tensor.Tensor, cfg ForwardConfig) (*tensor.Tensor, *ForwardCache, error) {
	if images.DType != tensor.Float32 {
		return nil, nil, fmt.Errorf("images must be Float32, got %s", images.DType)
	}
	if len(images.Shape) != 4 {
		return nil, nil, fmt.Errorf("images must have shape [B, H, W, C], got %v", images.Shape)
	}

	conv0Layer, err := p.Layer(Conv0Name)
	if err != nil {
		return nil, nil, err
	}
	conv1Layer, err := p.Layer(Conv1Name)
	if err != nil {
		return nil, nil, err
	}
	dense0Layer, err := p.Layer(Dense0Name)
	if err != nil {
		return nil, nil, err
	}
	finalLayer, err := p.Layer(FinalLayerName)
	if err != nil {
		return nil, nil, err
	}

	batch := images.Shape[0]
	featWidth := dense0Layer.Kernel.Shape[1]

	if cfg.Mask != nil {
		if err := validateMaskShape(cfg.Mask, batch, featWidth); err != nil {
			return nil, nil, err
		}
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		if cfg.DropoutRate != 0 {
			return nil, nil, fmt.Errorf("dropout rate must be in [0, 1), got %g", cfg.DropoutRate)
		}
	}
	if cfg.DropoutRate > 0 && cfg.DropoutRNG == nil {
		return nil, nil, fmt.Errorf("dropout requires a random source")
	}

	cache := &ForwardCache{images: images}

	// First conv block.
	conv0Out, conv0Cache, err := conv2dForward(images, conv0Layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", Conv0Name, err)
	}
	cache.conv0 = conv0Cache
	reluInPlace(conv0Out)

	pool0Out, pool0Idx, err := maxPool2Forward(conv0Out)
	if err != nil {
		return nil, nil, fmt.Errorf("%s pooling: %v", Conv0Name, err)
	}
	cache.pool0Idx = pool0Idx
	cache.pool0In = conv0Out.Shape

	// Second conv block.
	conv1Out, conv1Cache, err := conv2dForward(pool0Out, conv1Layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", Conv1Name, err)
	}
	cache.conv1 = conv1Cache
	reluInPlace(conv1Out)

	pool1Out, pool1Idx, err := maxPool2Forward(conv1Out)
	if err != nil {
		return nil, nil, fmt.Errorf("%s pooling: %v", Conv1Name, err)
	}
	cache.pool1Idx = pool1Idx
	cache.pool1In = conv1Out.Shape

	// Feature layer.
	flat, err := pool1Out.Reshape([]int{batch, pool1Out.NumElems / batch})
	if err != nil {
		return nil, nil, err
	}
	cache.flat = flat

	features, dense0Pre, err := denseForward(flat, dense0Layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", Dense0Name, err)
	}
	cache.dense0Pre = dense0Pre

	if cfg.DropoutRate > 0 {
		cache.dropMask = applyDropout(features, cfg.DropoutRate, cfg.DropoutRNG)
	}

	if cfg.Mask != nil {
		applyMask(features, cfg.Mask)
		cache.mask = cfg.Mask
	}
	cache.features = features

	// Classifier head: no activation on the logits.
	logits, _, err := denseLinear(features, finalLayer)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", FinalLayerName, err)
	}

	return logits, cache, nil
}

func validateMaskShape(mask *tensor.Tensor, batch, featWidth int) error {
	switch len(mask.Shape) {
	case 1:
		if mask.Shape[0] != featWidth {
			return fmt.Errorf("mask width %d incompatible with feature width %d", mask.Shape[0], featWidth)
		}
	case 2:
		if mask.Shape[0] != batch || mask.Shape[1] != featWidth {
			return fmt.Errorf("mask shape %v incompatible with batch %d and feature width %d", mask.Shape, batch, featWidth)
		}
	default:
		return fmt.Errorf("mask must be 1-D or 2-D, got shape %v", mask.Shape)
	}
	return nil
}

// conv2dForward runs a stride-1, same-padded convolution via im2col and a
// single matrix multiply. kernel shape is [K, K, Cin, Cout], input and
// output are NHWC.
func conv2dForward(input *tensor.Tensor, layer *Layer) (*tensor.Tensor, *convCache, error) {
	k := layer.Kernel.Shape[0]
	cin := layer.Kernel.Shape[2]
	cout := layer.Kernel.Shape[3]

	if layer.Kernel.Shape[1] != k {
		return nil, nil, fmt.Errorf("kernel must be square, got %v", layer.Kernel.Shape)
	}
	if input.Shape[3] != cin {
		return nil, nil, fmt.Errorf("input channels %d do not match kernel channels %d", input.Shape[3], cin)
	}
	if k%2 == 0 {
		return nil, nil, fmt.Errorf("same padding requires an odd kernel size, got %d", k)
	}

	b, h, w := input.Shape[0], input.Shape[1], input.Shape[2]
	pad := (k - 1) / 2

	col, err := im2col(input, k, pad)
	if err != nil {
		return nil, nil, err
	}

	kernel2d, err := layer.Kernel.Reshape([]int{k * k * cin, cout})
	if err != nil {
		return nil, nil, err
	}

	out2d, err := tensor.MatMul(col, kernel2d)
	if err != nil {
		return nil, nil, err
	}

	outData := out2d.Float32s()
	bias := layer.Bias.Float32s()
	for i := 0; i < b*h*w; i++ {
		base := i * cout
		for c := 0; c < cout; c++ {
			outData[base+c] += bias[c]
		}
	}

	pre := make([]float32, len(outData))
	copy(pre, outData)

	out, err := tensor.NewTensor([]int{b, h, w, cout}, tensor.Float32, outData)
	if err != nil {
		return nil, nil, err
	}

	return out, &convCache{col: col, pre: pre, inpad: input.Shape}, nil
}

// im2col lowers an NHWC input into the [B*H*W, K*K*Cin] patch matrix of a
// stride-1 convolution with the given zero padding.
func im2col(input *tensor.Tensor, k, pad int) (*tensor.Tensor, error) {
	b, h, w, cin := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	data := input.Float32s()

	rows := b * h * w
	cols := k * k * cin
	out := make([]float32, rows*cols)

	for bi := 0; bi < b; bi++ {
		for oh := 0; oh < h; oh++ {
			for ow := 0; ow < w; ow++ {
				row := ((bi*h + oh) * w) + ow
				base := row * cols
				for kh := 0; kh < k; kh++ {
					ih := oh + kh - pad
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow + kw - pad
						if iw < 0 || iw >= w {
							continue
						}
						src := ((bi*h+ih)*w + iw) * cin
						dst := base + (kh*k+kw)*cin
						copy(out[dst:dst+cin], data[src:src+cin])
					}
				}
			}
		}
	}

	return tensor.NewTensor([]int{rows, cols}, tensor.Float32, out)
}

// col2im scatters patch-matrix gradients back onto an input-shaped buffer;
// the adjoint of im2col.
func col2im(colGrad *tensor.Tensor, inShape []int, k, pad int) (*tensor.Tensor, error) {
	b, h, w, cin := inShape[0], inShape[1], inShape[2], inShape[3]
	cols := k * k * cin
	src := colGrad.Float32s()

	out := make([]float32, b*h*w*cin)

	for bi := 0; bi < b; bi++ {
		for oh := 0; oh < h; oh++ {
			for ow := 0; ow < w; ow++ {
				row := ((bi*h + oh) * w) + ow
				base := row * cols
				for kh := 0; kh < k; kh++ {
					ih := oh + kh - pad
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow + kw - pad
						if iw < 0 || iw >= w {
							continue
						}
						dst := ((bi*h+ih)*w + iw) * cin
						colBase := base + (kh*k+kw)*cin
						for c := 0; c < cin; c++ {
							out[dst+c] += src[colBase+c]
						}
					}
				}
			}
		}
	}

	return tensor.NewTensor(inShape, tensor.Float32, out)
}

// maxPool2Forward applies 2x2 max pooling with stride 2 and records the flat
// source index of every selected element for the backward pass.
func maxPool2Forward(input *tensor.Tensor) (*tensor.Tensor, []int, error) {
	b, h, w, c := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if h%2 != 0 || w%2 != 0 {
		return nil, nil, fmt.Errorf("pooling requires even spatial dims, got %dx%d", h, w)
	}

	oh, ow := h/2, w/2
	data := input.Float32s()
	out := make([]float32, b*oh*ow*c)
	idx := make([]int, len(out))

	for bi := 0; bi < b; bi++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				for ch := 0; ch < c; ch++ {
					best := -1
					var bestVal float32
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							src := ((bi*h+(y*2+dy))*w + (x*2 + dx)) * c + ch
							if best < 0 || data[src] > bestVal {
								best = src
								bestVal = data[src]
							}
						}
					}
					dst := ((bi*oh+y)*ow+x)*c + ch
					out[dst] = bestVal
					idx[dst] = best
				}
			}
		}
	}

	t, err := tensor.NewTensor([]int{b, oh, ow, c}, tensor.Float32, out)
	if err != nil {
		return nil, nil, err
	}
	return t, idx, nil
}

// denseForward computes relu(x×W + b) and returns the pre-activation values.
func denseForward(x *tensor.Tensor, layer *Layer) (*tensor.Tensor, []float32, error) {
	out, pre, err := denseLinear(x, layer)
	if err != nil {
		return nil, nil, err
	}
	reluInPlace(out)
	return out, pre, nil
}

// denseLinear computes x×W + b without an activation.
func denseLinear(x *tensor.Tensor, layer *Layer) (*tensor.Tensor, []float32, error) {
	out, err := tensor.MatMul(x, layer.Kernel)
	if err != nil {
		return nil, nil, err
	}

	data := out.Float32s()
	bias := layer.Bias.Float32s()
	cols := out.Shape[1]
	for i := 0; i < out.Shape[0]; i++ {
		base := i * cols
		for j := 0; j < cols; j++ {
			data[base+j] += bias[j]
		}
	}

	pre := make([]float32, len(data))
	copy(pre, data)
	return out, pre, nil
}

func reluInPlace(t *tensor.Tensor) {
	data := t.Float32s()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// applyDropout zeroes features with probability rate and scales survivors by
// 1/(1-rate). The returned mask already folds in the scale.
func applyDropout(t *tensor.Tensor, rate float64, rng *rand.Rand) []float32 {
	data := t.Float32s()
	scale := float32(1.0 / (1.0 - rate))
	mask := make([]float32, len(data))
	for i := range data {
		if rng.Float64() < rate {
			data[i] = 0
		} else {
			mask[i] = scale
			data[i] *= scale
		}
	}
	return mask
}

// applyMask multiplies features by a [W] or [B, W] mask in place.
func applyMask(features *tensor.Tensor, mask *tensor.Tensor) {
	data := features.Float32s()
	m := mask.Float32s()
	width := features.Shape[1]

	if len(mask.Shape) == 1 {
		for i := range data {
			data[i] *= m[i%width]
		}
		return
	}
	for i := range data {
		data[i] *= m[i]
	}
}
