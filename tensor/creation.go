package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Zeros creates a zero-filled tensor of the given shape and dtype.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, make([]float32, numElems))
	case Int32:
		return NewTensor(shape, dtype, make([]int32, numElems))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Full creates a Float32 tensor filled with the given value.
func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, Float32, data)
}

// Ones creates a Float32 tensor filled with ones.
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1.0)
}

// RandN creates a Float32 tensor with values drawn from N(0, stddev^2)
// using the supplied source of randomness.
func RandN(shape []int, stddev float64, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * stddev)
	}
	return NewTensor(shape, Float32, data)
}

// HeNormal creates a Float32 tensor initialized with He normal initialization
// for the given fan-in. Standard choice for layers followed by ReLU.
func HeNormal(shape []int, fanIn int, rng *rand.Rand) (*Tensor, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("he initialization requires positive fan-in, got %d", fanIn)
	}
	return RandN(shape, math.Sqrt(2.0/float64(fanIn)), rng)
}
