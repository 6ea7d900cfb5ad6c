package optimizer

import (
	"fmt"

	"github.com/tsawler/evomask/checkpoints"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float32
	Momentum     float32 // 0 for vanilla SGD
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional (Nesterov)
// momentum and weight decay.
type SGD struct {
	config SGDConfig

	// Momentum buffers keyed by "layer/kernel" or "layer/bias"; allocated
	// lazily on the first step when momentum is enabled.
	velocity map[string][]float32

	stepCount uint64
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum coefficient")
	}

	return &SGD{
		config:   config,
		velocity: make(map[string][]float32),
	}, nil
}

// Step applies one SGD update and returns the new parameters.
func (s *SGD) Step(params, gradients model.Params) (model.Params, error) {
	if err := validateStep(params, gradients); err != nil {
		return nil, err
	}

	next := make(model.Params, len(params))
	for _, name := range sortedLayerNames(params) {
		layer := params[name]
		grad := gradients[name]

		kernel, err := s.updateTensor(name+"/kernel", layer.Kernel, grad.Kernel)
		if err != nil {
			return nil, err
		}
		bias, err := s.updateTensor(name+"/bias", layer.Bias, grad.Bias)
		if err != nil {
			return nil, err
		}
		next[name] = &model.Layer{Kernel: kernel, Bias: bias}
	}

	s.stepCount++
	return next, nil
}

func (s *SGD) updateTensor(key string, weights, grad *tensor.Tensor) (*tensor.Tensor, error) {
	w := weights.Float32s()
	g := grad.Float32s()

	out := make([]float32, len(w))
	lr := s.config.LearningRate
	mu := s.config.Momentum
	wd := s.config.WeightDecay

	if mu == 0 {
		for i := range w {
			d := g[i] + wd*w[i]
			out[i] = w[i] - lr*d
		}
		return tensor.NewTensor(weights.Shape, tensor.Float32, out)
	}

	vel, ok := s.velocity[key]
	if !ok {
		vel = make([]float32, len(w))
		s.velocity[key] = vel
	}
	if len(vel) != len(w) {
		return nil, fmt.Errorf("velocity buffer %s has %d elements, expected %d", key, len(vel), len(w))
	}

	for i := range w {
		d := g[i] + wd*w[i]
		vel[i] = mu*vel[i] + d
		if s.config.Nesterov {
			out[i] = w[i] - lr*(d+mu*vel[i])
		} else {
			out[i] = w[i] - lr*vel[i]
		}
	}
	return tensor.NewTensor(weights.Shape, tensor.Float32, out)
}

// GetState extracts optimizer state for checkpointing.
func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
			"step_count":    s.stepCount,
		},
	}

	for key, vel := range s.velocity {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      "velocity:" + key,
			Shape:     []int{len(vel)},
			Data:      append([]float32{}, vel...),
			StateType: "velocity",
		})
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint.
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	s.velocity = make(map[string][]float32, len(state.StateData))
	for _, t := range state.StateData {
		if t.StateType != "velocity" {
			return fmt.Errorf("unexpected SGD state tensor type %q", t.StateType)
		}
		key, ok := cutPrefix(t.Name, "velocity:")
		if !ok {
			return fmt.Errorf("malformed SGD state tensor name %q", t.Name)
		}
		s.velocity[key] = append([]float32{}, t.Data...)
	}

	if raw, ok := state.Parameters["step_count"]; ok {
		s.stepCount = toUint64(raw)
	}
	return nil
}

// GetStepCount returns the number of updates applied so far.
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// UpdateLearningRate changes the learning rate for subsequent steps.
func (s *SGD) UpdateLearningRate(lr float32) {
	s.config.LearningRate = lr
}
