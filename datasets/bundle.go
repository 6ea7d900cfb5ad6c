// Package datasets builds and holds the labeled image collections the
// training loop consumes. A Bundle groups one split's datasets; every sample
// carries both its class label and a dataset-origin label so downstream code
// can tell the corpora apart.
package datasets

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/evomask/tensor"
)

// Split identifies one of the three data partitions.
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
	SplitTest       Split = "test"
)

// ParseSplit validates a split identifier.
func ParseSplit(s string) (Split, error) {
	switch Split(s) {
	case SplitTrain, SplitValidation, SplitTest:
		return Split(s), nil
	default:
		return "", fmt.Errorf("unknown dataset split: %q", s)
	}
}

// Metrics is the per-dataset result of one epoch.
type Metrics struct {
	Loss     float64
	Accuracy float64
}

// Dataset holds one corpus of a split. Images are [N, H, W, C] Float32,
// labels are [N, 2] Int32 rows of (class label, dataset-origin label).
type Dataset struct {
	Images *tensor.Tensor
	Labels *tensor.Tensor
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return d.Images.Shape[0]
}

// Bundle is one split's collection of datasets plus their latest epoch
// metrics. Iteration order over datasets is the insertion order of Names.
type Bundle struct {
	Split   Split
	Names   []string
	Data    map[string]*Dataset
	Metrics map[string]Metrics
}

// NewBundle creates an empty bundle for the given split.
func NewBundle(split Split) *Bundle {
	return &Bundle{
		Split:   split,
		Data:    make(map[string]*Dataset),
		Metrics: make(map[string]Metrics),
	}
}

// Add registers a dataset under the given name.
func (b *Bundle) Add(name string, images, labels *tensor.Tensor) error {
	if _, exists := b.Data[name]; exists {
		return fmt.Errorf("dataset %q already present in %s bundle", name, b.Split)
	}
	if len(images.Shape) != 4 {
		return fmt.Errorf("dataset %q: images must be [N, H, W, C], got %v", name, images.Shape)
	}
	if len(labels.Shape) != 2 || labels.Shape[1] != 2 {
		return fmt.Errorf("dataset %q: labels must be [N, 2], got %v", name, labels.Shape)
	}
	if images.Shape[0] != labels.Shape[0] {
		return fmt.Errorf("dataset %q: %d images vs %d label rows", name, images.Shape[0], labels.Shape[0])
	}

	b.Names = append(b.Names, name)
	b.Data[name] = &Dataset{Images: images, Labels: labels}
	return nil
}

// SetMetrics records a dataset's epoch metrics.
func (b *Bundle) SetMetrics(name string, m Metrics) error {
	if _, ok := b.Data[name]; !ok {
		return fmt.Errorf("no dataset %q in %s bundle", name, b.Split)
	}
	b.Metrics[name] = m
	return nil
}

// MeanAccuracy averages the recorded accuracy across all datasets.
func (b *Bundle) MeanAccuracy() float64 {
	return b.meanMetric(func(m Metrics) float64 { return m.Accuracy })
}

// MeanLoss averages the recorded loss across all datasets.
func (b *Bundle) MeanLoss() float64 {
	return b.meanMetric(func(m Metrics) float64 { return m.Loss })
}

func (b *Bundle) meanMetric(pick func(Metrics) float64) float64 {
	if len(b.Metrics) == 0 {
		return 0
	}

	values := make([]float64, 0, len(b.Metrics))
	for _, name := range b.Names {
		if m, ok := b.Metrics[name]; ok {
			values = append(values, pick(m))
		}
	}
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
