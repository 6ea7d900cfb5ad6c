package evo

import (
	"fmt"

	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/task"
	"github.com/tsawler/evomask/tensor"
)

// MaskPolicy maps a task observation and one candidate parameter vector per
// population member to the mask actions the task consumes.
type MaskPolicy struct {
	Net model.MaskNet
}

// NewMaskPolicy builds a policy for the given number of dataset-origin
// labels and mask width.
func NewMaskPolicy(numTasks, maskWidth int) (*MaskPolicy, error) {
	if numTasks <= 0 {
		return nil, fmt.Errorf("number of tasks must be positive, got %d", numTasks)
	}
	if maskWidth <= 0 {
		return nil, fmt.Errorf("mask width must be positive, got %d", maskWidth)
	}
	return &MaskPolicy{Net: model.MaskNet{NumTasks: numTasks, MaskWidth: maskWidth}}, nil
}

// NumParams returns the length of a flat parameter vector.
func (p *MaskPolicy) NumParams() int {
	return p.Net.NumParams()
}

// GetActions computes the [P, B, W] action tensor: member p's actions come
// from its own parameter vector applied to its own observation.
func (p *MaskPolicy) GetActions(state *task.State, params [][]float32) (*tensor.Tensor, error) {
	if len(params) != state.NumParallel {
		return nil, fmt.Errorf("got %d parameter vectors for %d members", len(params), state.NumParallel)
	}

	b := state.BatchSize
	w := p.Net.MaskWidth
	data := make([]float32, state.NumParallel*b*w)

	for member, vec := range params {
		mask, err := p.Net.Apply(vec, state.Obs(member))
		if err != nil {
			return nil, fmt.Errorf("member %d: %v", member, err)
		}
		copy(data[member*b*w:(member+1)*b*w], mask.Float32s())
	}

	return tensor.NewTensor([]int{state.NumParallel, b, w}, tensor.Float32, data)
}
