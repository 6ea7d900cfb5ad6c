package tensor

import (
	"fmt"
)

// Add returns the elementwise sum of two Float32 tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkBinaryOperands(a, b); err != nil {
		return nil, err
	}

	ad, bd := a.Float32s(), b.Float32s()
	out := make([]float32, a.NumElems)
	for i := range out {
		out[i] = ad[i] + bd[i]
	}
	return NewTensor(a.Shape, Float32, out)
}

// Sub returns the elementwise difference of two Float32 tensors.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkBinaryOperands(a, b); err != nil {
		return nil, err
	}

	ad, bd := a.Float32s(), b.Float32s()
	out := make([]float32, a.NumElems)
	for i := range out {
		out[i] = ad[i] - bd[i]
	}
	return NewTensor(a.Shape, Float32, out)
}

// Mul returns the elementwise product of two Float32 tensors.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkBinaryOperands(a, b); err != nil {
		return nil, err
	}

	ad, bd := a.Float32s(), b.Float32s()
	out := make([]float32, a.NumElems)
	for i := range out {
		out[i] = ad[i] * bd[i]
	}
	return NewTensor(a.Shape, Float32, out)
}

// Scale returns a Float32 tensor with every element multiplied by s.
func Scale(a *Tensor, s float32) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("scale requires a Float32 tensor, got %s", a.DType)
	}

	ad := a.Float32s()
	out := make([]float32, a.NumElems)
	for i := range out {
		out[i] = ad[i] * s
	}
	return NewTensor(a.Shape, Float32, out)
}

// Sum returns the sum of all elements of a Float32 tensor.
func Sum(a *Tensor) (float32, error) {
	if a.DType != Float32 {
		return 0, fmt.Errorf("sum requires a Float32 tensor, got %s", a.DType)
	}

	var sum float32
	for _, v := range a.Float32s() {
		sum += v
	}
	return sum, nil
}

// AbsSum returns the L1 norm (sum of absolute values) of a Float32 tensor.
func AbsSum(a *Tensor) (float32, error) {
	if a.DType != Float32 {
		return 0, fmt.Errorf("abssum requires a Float32 tensor, got %s", a.DType)
	}

	var sum float32
	for _, v := range a.Float32s() {
		if v < 0 {
			sum -= v
		} else {
			sum += v
		}
	}
	return sum, nil
}

// ArgMaxRows returns, for a 2-D Float32 tensor, the column index of the
// maximum value in each row.
func ArgMaxRows(a *Tensor) ([]int, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("argmax requires a Float32 tensor, got %s", a.DType)
	}
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2-D tensor, got shape %v", a.Shape)
	}

	rows, cols := a.Shape[0], a.Shape[1]
	data := a.Float32s()
	out := make([]int, rows)

	for i := 0; i < rows; i++ {
		maxIdx := 0
		maxVal := data[i*cols]
		for j := 1; j < cols; j++ {
			if data[i*cols+j] > maxVal {
				maxVal = data[i*cols+j]
				maxIdx = j
			}
		}
		out[i] = maxIdx
	}
	return out, nil
}

func checkBinaryOperands(a, b *Tensor) error {
	if a.DType != Float32 || b.DType != Float32 {
		return fmt.Errorf("elementwise ops require Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if !a.ShapeEquals(b) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}
