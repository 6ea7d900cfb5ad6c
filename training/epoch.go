package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/tensor"
)

// EpochStep sweeps every dataset of the bundle once. Each dataset is visited
// in a fresh random order drawn from rng; the number of batches is the floor
// of dataset size over batch size, so a trailing remainder is dropped. When
// train is true each batch performs a gradient update, otherwise the batch is
// only evaluated. Per-dataset mean metrics are written back into the bundle.
func EpochStep(train bool, state *State, bundle *datasets.Bundle, batchSize int, rng *rand.Rand, cfg StepConfig, sink Sink) (*State, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sink == nil {
		sink = NullSink{}
	}

	for _, name := range bundle.Names {
		ds := bundle.Data[name]
		n := ds.Len()
		if batchSize > n {
			return nil, fmt.Errorf("batch size %d exceeds dataset %q size %d", batchSize, name, n)
		}

		steps := n / batchSize
		perm := rng.Perm(n)

		var acc Accumulator
		for s := 0; s < steps; s++ {
			batch, err := gatherBatch(ds, perm[s*batchSize:(s+1)*batchSize])
			if err != nil {
				return nil, fmt.Errorf("dataset %q: %v", name, err)
			}

			var m datasets.Metrics
			if train {
				state, m, err = TrainStep(state, batch, cfg)
			} else {
				m, err = EvalStep(state, batch, cfg)
			}
			if err != nil {
				return nil, fmt.Errorf("dataset %q batch %d: %v", name, s, err)
			}
			acc.Add(m)
		}

		mean, err := acc.Mean()
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %v", name, err)
		}
		if err := bundle.SetMetrics(name, mean); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// gatherBatch copies the rows selected by idx into a contiguous minibatch.
func gatherBatch(ds *datasets.Dataset, idx []int) (Batch, error) {
	shape := ds.Images.Shape
	sampleSize := shape[1] * shape[2] * shape[3]

	src := ds.Images.Float32s()
	labels := ds.Labels.Int32s()

	b := len(idx)
	data := make([]float32, b*sampleSize)
	classLabels := make([]int32, b)
	taskLabels := make([]int32, b)
	for i, row := range idx {
		copy(data[i*sampleSize:(i+1)*sampleSize], src[row*sampleSize:(row+1)*sampleSize])
		classLabels[i] = labels[row*2]
		taskLabels[i] = labels[row*2+1]
	}

	images, err := tensor.NewTensor([]int{b, shape[1], shape[2], shape[3]}, tensor.Float32, data)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Images: images, ClassLabels: classLabels, TaskLabels: taskLabels}, nil
}
