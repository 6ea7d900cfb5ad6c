// Package optimizer implements gradient-based parameter update rules. All
// optimizers are copy-on-write: Step returns fresh parameters and never
// mutates its inputs, so callers may snapshot any returned state.
package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/evomask/checkpoints"
	"github.com/tsawler/evomask/model"
)

// Optimizer defines the common interface for all optimizers. The state
// accessors enable checkpoint save/restore.
type Optimizer interface {
	// Step applies one update and returns the new parameters. gradients must
	// cover exactly the layers present in params.
	Step(params, gradients model.Params) (model.Params, error)

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of updates applied so far.
	GetStepCount() uint64

	// UpdateLearningRate changes the learning rate for subsequent steps.
	UpdateLearningRate(lr float32)
}

// validateStep checks that gradients match parameters layer for layer and
// tensor for tensor.
func validateStep(params, gradients model.Params) error {
	if len(gradients) != len(params) {
		return fmt.Errorf("gradient layer count %d does not match parameter layer count %d", len(gradients), len(params))
	}

	for name, layer := range params {
		grad, ok := gradients[name]
		if !ok {
			return fmt.Errorf("missing gradient for layer %s", name)
		}
		if !grad.Kernel.ShapeEquals(layer.Kernel) {
			return fmt.Errorf("layer %s: kernel gradient shape %v does not match %v", name, grad.Kernel.Shape, layer.Kernel.Shape)
		}
		if !grad.Bias.ShapeEquals(layer.Bias) {
			return fmt.Errorf("layer %s: bias gradient shape %v does not match %v", name, grad.Bias.Shape, layer.Bias.Shape)
		}
	}
	return nil
}

// sortedLayerNames returns parameter layer names in a stable order.
func sortedLayerNames(params model.Params) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateStateType ensures a checkpointed state matches the optimizer.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
