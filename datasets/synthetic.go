package datasets

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/tensor"
)

// Synthetic builds an in-memory bundle of random samples, one dataset per
// name, for tests and smoke runs. Dataset-origin labels follow name order.
func Synthetic(split Split, names []string, samplesPerDataset, height, width, channels, numClasses int, rng *rand.Rand) (*Bundle, error) {
	if samplesPerDataset <= 0 {
		return nil, fmt.Errorf("samples per dataset must be positive, got %d", samplesPerDataset)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("class count must be positive, got %d", numClasses)
	}

	bundle := NewBundle(split)

	for origin, name := range names {
		images := make([]float32, samplesPerDataset*height*width*channels)
		for i := range images {
			images[i] = rng.Float32()
		}

		labels := make([]int32, samplesPerDataset*2)
		for i := 0; i < samplesPerDataset; i++ {
			labels[i*2] = int32(rng.Intn(numClasses))
			labels[i*2+1] = int32(origin)
		}

		imageTensor, err := tensor.NewTensor([]int{samplesPerDataset, height, width, channels}, tensor.Float32, images)
		if err != nil {
			return nil, err
		}
		labelTensor, err := tensor.NewTensor([]int{samplesPerDataset, 2}, tensor.Int32, labels)
		if err != nil {
			return nil, err
		}

		if err := bundle.Add(name, imageTensor, labelTensor); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}
