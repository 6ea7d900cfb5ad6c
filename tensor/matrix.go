package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes C = A × B for 2-D Float32 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	return gemm(blas.NoTrans, blas.NoTrans, a, b)
}

// MatMulTransA computes C = Aᵀ × B for 2-D Float32 tensors.
func MatMulTransA(a, b *Tensor) (*Tensor, error) {
	return gemm(blas.Trans, blas.NoTrans, a, b)
}

// MatMulTransB computes C = A × Bᵀ for 2-D Float32 tensors.
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	return gemm(blas.NoTrans, blas.Trans, a, b)
}

func gemm(tA, tB blas.Transpose, a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("matmul requires Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got shapes %v and %v", a.Shape, b.Shape)
	}

	aRows, aCols := a.Shape[0], a.Shape[1]
	if tA == blas.Trans {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := b.Shape[0], b.Shape[1]
	if tB == blas.Trans {
		bRows, bCols = bCols, bRows
	}

	if aCols != bRows {
		return nil, fmt.Errorf("matmul dimension mismatch: %d columns vs %d rows", aCols, bRows)
	}

	ga := blas32.General{Rows: a.Shape[0], Cols: a.Shape[1], Stride: a.Shape[1], Data: a.Float32s()}
	gb := blas32.General{Rows: b.Shape[0], Cols: b.Shape[1], Stride: b.Shape[1], Data: b.Float32s()}

	out := make([]float32, aRows*bCols)
	gc := blas32.General{Rows: aRows, Cols: bCols, Stride: bCols, Data: out}

	blas32.Gemm(tA, tB, 1, ga, gb, 0, gc)

	return NewTensor([]int{aRows, bCols}, Float32, out)
}
