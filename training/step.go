// Package training drives the supervised loop: single gradient steps, epoch
// sweeps over dataset bundles, and the multi-epoch run with validation-based
// early stopping.
package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/optimizer"
	"github.com/tsawler/evomask/tensor"
)

// State is the full training state: model parameters plus the optimizer that
// owns their update history.
type State struct {
	Params    model.Params
	Optimizer optimizer.Optimizer
	Step      int
}

// Clone deep-copies the state, including the optimizer's internal buffers,
// so a snapshot survives further training on the original.
func (s *State) Clone() (*State, error) {
	optState, err := s.Optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("snapshotting optimizer: %v", err)
	}
	opt, err := optimizer.FromState(optState)
	if err != nil {
		return nil, fmt.Errorf("cloning optimizer: %v", err)
	}
	return &State{
		Params:    s.Params.Clone(),
		Optimizer: opt,
		Step:      s.Step,
	}, nil
}

// Batch is one minibatch drawn from a dataset.
type Batch struct {
	Images      *tensor.Tensor // [B, H, W, C]
	ClassLabels []int32        // length B
	TaskLabels  []int32        // length B, dataset-origin labels
}

// StepConfig carries the per-step options shared by TrainStep and EvalStep.
type StepConfig struct {
	// MaskParams, when non-nil, are the flat mask network parameters. The
	// mask network turns each sample's dataset-origin label into a feature
	// mask applied before the final layer.
	MaskParams []float32

	// NumTasks is the number of dataset-origin labels the mask network
	// distinguishes. Zero means datasets.NumCorpora.
	NumTasks int

	L1RegLambda float64
	DropoutRate float64
	DropoutRNG  *rand.Rand
}

// buildMask turns mask parameters and the batch's origin labels into a
// per-sample feature mask. Returns nil when no mask parameters are set.
func buildMask(params model.Params, batch Batch, cfg StepConfig) (*tensor.Tensor, error) {
	if cfg.MaskParams == nil {
		return nil, nil
	}

	width, err := params.MaskWidth()
	if err != nil {
		return nil, err
	}
	numTasks := cfg.NumTasks
	if numTasks == 0 {
		numTasks = datasets.NumCorpora
	}

	net := model.MaskNet{NumTasks: numTasks, MaskWidth: width}
	if err := net.Validate(cfg.MaskParams, params); err != nil {
		return nil, err
	}
	return net.Apply(cfg.MaskParams, batch.TaskLabels)
}

// TrainStep runs one gradient update on the batch and returns the updated
// state together with the batch metrics. Metrics are computed from the
// forward pass that produced the gradients, so they describe the parameters
// the step started from.
func TrainStep(state *State, batch Batch, cfg StepConfig) (*State, datasets.Metrics, error) {
	mask, err := buildMask(state.Params, batch, cfg)
	if err != nil {
		return nil, datasets.Metrics{}, fmt.Errorf("building feature mask: %v", err)
	}

	logits, cache, err := model.Forward(state.Params, batch.Images, model.ForwardConfig{
		Mask:        mask,
		DropoutRate: cfg.DropoutRate,
		DropoutRNG:  cfg.DropoutRNG,
	})
	if err != nil {
		return nil, datasets.Metrics{}, err
	}

	grads, err := model.Backward(state.Params, cache, logits, batch.ClassLabels, cfg.L1RegLambda)
	if err != nil {
		return nil, datasets.Metrics{}, err
	}

	newParams, err := state.Optimizer.Step(state.Params, grads)
	if err != nil {
		return nil, datasets.Metrics{}, err
	}

	metrics, err := batchMetrics(logits, batch.ClassLabels)
	if err != nil {
		return nil, datasets.Metrics{}, err
	}

	next := &State{
		Params:    newParams,
		Optimizer: state.Optimizer,
		Step:      state.Step + 1,
	}
	return next, metrics, nil
}

// EvalStep computes batch metrics without touching the state. Dropout is
// never applied during evaluation.
func EvalStep(state *State, batch Batch, cfg StepConfig) (datasets.Metrics, error) {
	mask, err := buildMask(state.Params, batch, cfg)
	if err != nil {
		return datasets.Metrics{}, fmt.Errorf("building feature mask: %v", err)
	}

	logits, _, err := model.Forward(state.Params, batch.Images, model.ForwardConfig{Mask: mask})
	if err != nil {
		return datasets.Metrics{}, err
	}
	return batchMetrics(logits, batch.ClassLabels)
}

func batchMetrics(logits *tensor.Tensor, labels []int32) (datasets.Metrics, error) {
	loss, err := model.CrossEntropyLoss(logits, labels)
	if err != nil {
		return datasets.Metrics{}, err
	}
	acc, err := model.Accuracy(logits, labels)
	if err != nil {
		return datasets.Metrics{}, err
	}
	return datasets.Metrics{Loss: loss, Accuracy: acc}, nil
}
