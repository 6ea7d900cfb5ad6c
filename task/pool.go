// Package task exposes the feature-masking problem as a vectorized episodic
// task: a population of candidate mask networks is scored in lockstep against
// a frozen classifier.
package task

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/tensor"
)

// Default pool sizes. Scoring runs against a fixed subsample rather than the
// full split, so every candidate sees the same data distribution at a
// fraction of the cost.
const (
	DefaultTrainPoolCap = 1 << 13
	DefaultTestPoolCap  = 1 << 11
)

// Pool is the fixed sample set episodes draw their batches from.
type Pool struct {
	Images      *tensor.Tensor // [N, H, W, C]
	ClassLabels []int32
	TaskLabels  []int32
}

// Len returns the number of samples in the pool.
func (p *Pool) Len() int {
	return p.Images.Shape[0]
}

// PoolFromBundle concatenates every dataset of the bundle and subsamples at
// most cap samples without replacement. The subsample is fixed by seed, so
// all candidates across all generations score against the same pool.
func PoolFromBundle(b *datasets.Bundle, capacity int, seed int64) (*Pool, error) {
	if len(b.Names) == 0 {
		return nil, fmt.Errorf("bundle %s has no datasets", b.Split)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("pool cap must be positive, got %d", capacity)
	}

	total := 0
	for _, name := range b.Names {
		total += b.Data[name].Len()
	}
	if capacity > total {
		return nil, fmt.Errorf("pool cap %d exceeds the %d available samples", capacity, total)
	}

	first := b.Data[b.Names[0]]
	shape := first.Images.Shape
	sampleSize := shape[1] * shape[2] * shape[3]

	all := make([]float32, 0, total*sampleSize)
	classLabels := make([]int32, 0, total)
	taskLabels := make([]int32, 0, total)
	for _, name := range b.Names {
		ds := b.Data[name]
		dsShape := ds.Images.Shape
		if dsShape[1] != shape[1] || dsShape[2] != shape[2] || dsShape[3] != shape[3] {
			return nil, fmt.Errorf("dataset %q sample shape differs from %q", name, b.Names[0])
		}
		labels := ds.Labels.Int32s()
		all = append(all, ds.Images.Float32s()...)
		for i := 0; i < ds.Len(); i++ {
			classLabels = append(classLabels, labels[i*2])
			taskLabels = append(taskLabels, labels[i*2+1])
		}
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(total)[:capacity]

	data := make([]float32, capacity*sampleSize)
	pickedClass := make([]int32, capacity)
	pickedTask := make([]int32, capacity)
	for i, row := range perm {
		copy(data[i*sampleSize:(i+1)*sampleSize], all[row*sampleSize:(row+1)*sampleSize])
		pickedClass[i] = classLabels[row]
		pickedTask[i] = taskLabels[row]
	}

	images, err := tensor.NewTensor([]int{capacity, shape[1], shape[2], shape[3]}, tensor.Float32, data)
	if err != nil {
		return nil, err
	}
	return &Pool{Images: images, ClassLabels: pickedClass, TaskLabels: pickedTask}, nil
}
