package datasets

import (
	"fmt"
	"path/filepath"

	"github.com/petar/GoMNIST"

	"github.com/tsawler/evomask/tensor"
)

// Corpus names in declaration order; a sample's dataset-origin label is its
// corpus's index in this slice.
var CorpusNames = []string{"digit", "fashion", "kuzushiji"}

// NumCorpora is the number of dataset-origin labels.
const NumCorpora = 3

// DefaultValidationCount is how many samples per corpus are carved off the
// end of the training set for validation.
const DefaultValidationCount = 10000

// Load reads all three MNIST-format corpora from dataDir (one subdirectory
// per corpus, each holding the usual idx .gz files) and returns the train,
// validation, and test bundles.
func Load(dataDir string, validationCount int) (*Bundle, *Bundle, *Bundle, error) {
	if validationCount < 0 {
		return nil, nil, nil, fmt.Errorf("validation count must be non-negative, got %d", validationCount)
	}

	train := NewBundle(SplitTrain)
	validation := NewBundle(SplitValidation)
	test := NewBundle(SplitTest)

	for origin, name := range CorpusNames {
		trainSet, testSet, err := GoMNIST.Load(filepath.Join(dataDir, name))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load corpus %q: %v", name, err)
		}

		if validationCount >= trainSet.Count() {
			return nil, nil, nil, fmt.Errorf("corpus %q: validation count %d exceeds training size %d",
				name, validationCount, trainSet.Count())
		}

		trainEnd := trainSet.Count() - validationCount

		trainImages, trainLabels, err := setToTensors(trainSet, 0, trainEnd, int32(origin))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("corpus %q train: %v", name, err)
		}
		if err := train.Add(name, trainImages, trainLabels); err != nil {
			return nil, nil, nil, err
		}

		if validationCount > 0 {
			valImages, valLabels, err := setToTensors(trainSet, trainEnd, trainSet.Count(), int32(origin))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("corpus %q validation: %v", name, err)
			}
			if err := validation.Add(name, valImages, valLabels); err != nil {
				return nil, nil, nil, err
			}
		}

		testImages, testLabels, err := setToTensors(testSet, 0, testSet.Count(), int32(origin))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("corpus %q test: %v", name, err)
		}
		if err := test.Add(name, testImages, testLabels); err != nil {
			return nil, nil, nil, err
		}
	}

	return train, validation, test, nil
}

// setToTensors converts a GoMNIST set slice [from, to) into image and label
// tensors. Pixel bytes are scaled to [0, 1].
func setToTensors(set *GoMNIST.Set, from, to int, origin int32) (*tensor.Tensor, *tensor.Tensor, error) {
	n := to - from
	if n <= 0 {
		return nil, nil, fmt.Errorf("empty sample range [%d, %d)", from, to)
	}

	h, w := set.NRow, set.NCol
	images := make([]float32, n*h*w)
	labels := make([]int32, n*2)

	for i := 0; i < n; i++ {
		img, label := set.Get(from + i)
		if len(img) != h*w {
			return nil, nil, fmt.Errorf("sample %d: image has %d pixels, expected %d", from+i, len(img), h*w)
		}
		base := i * h * w
		for j, px := range img {
			images[base+j] = float32(px) / 255.0
		}
		labels[i*2] = int32(label)
		labels[i*2+1] = origin
	}

	imageTensor, err := tensor.NewTensor([]int{n, h, w, 1}, tensor.Float32, images)
	if err != nil {
		return nil, nil, err
	}
	labelTensor, err := tensor.NewTensor([]int{n, 2}, tensor.Int32, labels)
	if err != nil {
		return nil, nil, err
	}

	return imageTensor, labelTensor, nil
}
