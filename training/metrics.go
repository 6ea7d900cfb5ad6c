package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/evomask/datasets"
)

// Accumulator collects per-batch metrics so that a per-dataset mean can be
// taken at the epoch boundary.
type Accumulator struct {
	losses     []float64
	accuracies []float64
}

// Add records the metrics of one batch.
func (a *Accumulator) Add(m datasets.Metrics) {
	a.losses = append(a.losses, m.Loss)
	a.accuracies = append(a.accuracies, m.Accuracy)
}

// Count returns the number of batches recorded so far.
func (a *Accumulator) Count() int {
	return len(a.losses)
}

// Mean returns the batch-mean metrics. An empty accumulator is an error:
// a dataset that contributed no batches would otherwise surface as NaN
// far from its cause.
func (a *Accumulator) Mean() (datasets.Metrics, error) {
	if len(a.losses) == 0 {
		return datasets.Metrics{}, fmt.Errorf("no batches accumulated")
	}
	m := datasets.Metrics{
		Loss:     stat.Mean(a.losses, nil),
		Accuracy: stat.Mean(a.accuracies, nil),
	}
	if math.IsNaN(m.Loss) || math.IsInf(m.Loss, 0) {
		return datasets.Metrics{}, fmt.Errorf("loss diverged: mean loss is %v", m.Loss)
	}
	return m, nil
}
