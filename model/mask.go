package model

import (
	"fmt"
	"math"

	"github.com/tsawler/evomask/tensor"
)

// MaskNet is the small mask-generating function: a single dense layer from a
// one-hot dataset-origin label to a sigmoid-gated mask over the penultimate
// features. Its parameters travel as a flat vector so the evolutionary
// search can treat them as an opaque genome.
type MaskNet struct {
	NumTasks  int // number of dataset-origin labels
	MaskWidth int // penultimate feature width of the CNN
}

// NumParams returns the flat parameter count: kernel [NumTasks, MaskWidth]
// plus bias [MaskWidth].
func (m MaskNet) NumParams() int {
	return m.NumTasks*m.MaskWidth + m.MaskWidth
}

// Validate checks the net's dimensions against a parameter vector and the
// CNN parameters it will mask.
func (m MaskNet) Validate(params []float32, cnn Params) error {
	if m.NumTasks <= 0 || m.MaskWidth <= 0 {
		return fmt.Errorf("mask net dimensions must be positive, got tasks=%d width=%d", m.NumTasks, m.MaskWidth)
	}
	if len(params) != m.NumParams() {
		return fmt.Errorf("mask parameter count %d does not match net size %d", len(params), m.NumParams())
	}

	width, err := cnn.MaskWidth()
	if err != nil {
		return err
	}
	if width != m.MaskWidth {
		return fmt.Errorf("mask width %d incompatible with model feature width %d", m.MaskWidth, width)
	}
	return nil
}

// Apply produces a per-sample mask [B, MaskWidth] from the dataset-origin
// labels of a batch. Out-of-range labels contribute a bias-only mask.
func (m MaskNet) Apply(params []float32, taskLabels []int32) (*tensor.Tensor, error) {
	if len(params) != m.NumParams() {
		return nil, fmt.Errorf("mask parameter count %d does not match net size %d", len(params), m.NumParams())
	}
	if len(taskLabels) == 0 {
		return nil, fmt.Errorf("mask net requires task labels")
	}

	kernel := params[:m.NumTasks*m.MaskWidth]
	bias := params[m.NumTasks*m.MaskWidth:]

	out := make([]float32, len(taskLabels)*m.MaskWidth)
	for i, label := range taskLabels {
		row := out[i*m.MaskWidth : (i+1)*m.MaskWidth]
		copy(row, bias)
		if label >= 0 && int(label) < m.NumTasks {
			krow := kernel[int(label)*m.MaskWidth : (int(label)+1)*m.MaskWidth]
			for j, v := range krow {
				row[j] += v
			}
		}
		for j, v := range row {
			row[j] = sigmoid(v)
		}
	}

	return tensor.NewTensor([]int{len(taskLabels), m.MaskWidth}, tensor.Float32, out)
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}
