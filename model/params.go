// Package model implements the convolutional classifier and the mask net.
//
// Parameters are held as a nested mapping from layer name to weight tensors,
// and every operation treats them as immutable values: forward and backward
// passes never write into a Params, and optimizer updates produce new
// tensors. This keeps training steps safe to snapshot at any point.
package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/tensor"
)

// Network architecture. The mask is applied to the activations feeding the
// final dense layer, so the mask width always equals FeatureWidth.
const (
	ImageHeight   = 28
	ImageWidth    = 28
	ImageChannels = 1
	NumClasses    = 10

	ConvKernelSize = 5
	Conv0Filters   = 8
	Conv1Filters   = 16
	FeatureWidth   = 64

	// Spatial size after two 2x2 max-pool stages.
	pooledHeight = ImageHeight / 4
	pooledWidth  = ImageWidth / 4
	flatWidth    = pooledHeight * pooledWidth * Conv1Filters
)

// Layer names. FinalLayerName identifies the layer whose kernel
// row count defines the mask width and which the optional L1 penalty targets.
const (
	Conv0Name      = "Conv_0"
	Conv1Name      = "Conv_1"
	Dense0Name     = "Dense_0"
	FinalLayerName = "Dense_1"
)

// Layer holds the weight tensors of one layer.
type Layer struct {
	Kernel *tensor.Tensor
	Bias   *tensor.Tensor
}

// Clone returns a deep copy of the layer.
func (l *Layer) Clone() *Layer {
	return &Layer{
		Kernel: l.Kernel.Clone(),
		Bias:   l.Bias.Clone(),
	}
}

// Params maps layer names to their weight tensors.
type Params map[string]*Layer

// Clone returns a deep copy of all parameters.
func (p Params) Clone() Params {
	clone := make(Params, len(p))
	for name, layer := range p {
		clone[name] = layer.Clone()
	}
	return clone
}

// Layer returns the named layer or an error when it is absent.
func (p Params) Layer(name string) (*Layer, error) {
	layer, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("unknown layer: %s", name)
	}
	return layer, nil
}

// MaskWidth returns the mask width implied by the parameters: the row count
// of the final layer's kernel.
func (p Params) MaskWidth() (int, error) {
	final, err := p.Layer(FinalLayerName)
	if err != nil {
		return 0, err
	}
	return final.Kernel.Shape[0], nil
}

// Init creates freshly initialized CNN parameters. Kernels use He normal
// initialization, biases start at zero.
func Init(rng *rand.Rand) (Params, error) {
	params := make(Params, 4)

	specs := []struct {
		name  string
		shape []int
		fanIn int
	}{
		{Conv0Name, []int{ConvKernelSize, ConvKernelSize, ImageChannels, Conv0Filters}, ConvKernelSize * ConvKernelSize * ImageChannels},
		{Conv1Name, []int{ConvKernelSize, ConvKernelSize, Conv0Filters, Conv1Filters}, ConvKernelSize * ConvKernelSize * Conv0Filters},
		{Dense0Name, []int{flatWidth, FeatureWidth}, flatWidth},
		{FinalLayerName, []int{FeatureWidth, NumClasses}, FeatureWidth},
	}

	for _, spec := range specs {
		kernel, err := tensor.HeNormal(spec.shape, spec.fanIn, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s kernel: %v", spec.name, err)
		}

		bias, err := tensor.Zeros([]int{spec.shape[len(spec.shape)-1]}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s bias: %v", spec.name, err)
		}

		params[spec.name] = &Layer{Kernel: kernel, Bias: bias}
	}

	return params, nil
}
