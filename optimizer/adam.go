package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/evomask/checkpoints"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32 // momentum decay
	Beta2        float32 // variance decay
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam update rule with bias correction.
type Adam struct {
	config AdamConfig

	momentum map[string][]float32
	variance map[string][]float32

	stepCount uint64
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in (0, 1), got %g", config.Beta1)
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in (0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}

	return &Adam{
		config:   config,
		momentum: make(map[string][]float32),
		variance: make(map[string][]float32),
	}, nil
}

// Step applies one Adam update and returns the new parameters.
func (a *Adam) Step(params, gradients model.Params) (model.Params, error) {
	if err := validateStep(params, gradients); err != nil {
		return nil, err
	}

	a.stepCount++

	// Bias-corrected step size for this iteration.
	t := float64(a.stepCount)
	correction := math.Sqrt(1-math.Pow(float64(a.config.Beta2), t)) / (1 - math.Pow(float64(a.config.Beta1), t))
	stepSize := float32(float64(a.config.LearningRate) * correction)

	next := make(model.Params, len(params))
	for _, name := range sortedLayerNames(params) {
		layer := params[name]
		grad := gradients[name]

		kernel, err := a.updateTensor(name+"/kernel", layer.Kernel, grad.Kernel, stepSize)
		if err != nil {
			return nil, err
		}
		bias, err := a.updateTensor(name+"/bias", layer.Bias, grad.Bias, stepSize)
		if err != nil {
			return nil, err
		}
		next[name] = &model.Layer{Kernel: kernel, Bias: bias}
	}

	return next, nil
}

func (a *Adam) updateTensor(key string, weights, grad *tensor.Tensor, stepSize float32) (*tensor.Tensor, error) {
	w := weights.Float32s()
	g := grad.Float32s()

	m, ok := a.momentum[key]
	if !ok {
		m = make([]float32, len(w))
		a.momentum[key] = m
	}
	v, ok := a.variance[key]
	if !ok {
		v = make([]float32, len(w))
		a.variance[key] = v
	}
	if len(m) != len(w) || len(v) != len(w) {
		return nil, fmt.Errorf("state buffer %s size mismatch: %d/%d vs %d weights", key, len(m), len(v), len(w))
	}

	b1 := a.config.Beta1
	b2 := a.config.Beta2
	eps := a.config.Epsilon
	wd := a.config.WeightDecay

	out := make([]float32, len(w))
	for i := range w {
		d := g[i] + wd*w[i]
		m[i] = b1*m[i] + (1-b1)*d
		v[i] = b2*v[i] + (1-b2)*d*d
		out[i] = w[i] - stepSize*m[i]/(float32(math.Sqrt(float64(v[i])))+eps)
	}
	return tensor.NewTensor(weights.Shape, tensor.Float32, out)
}

// GetState extracts optimizer state for checkpointing.
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
	}

	for key, m := range a.momentum {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      "momentum:" + key,
			Shape:     []int{len(m)},
			Data:      append([]float32{}, m...),
			StateType: "momentum",
		})
	}
	for key, v := range a.variance {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      "variance:" + key,
			Shape:     []int{len(v)},
			Data:      append([]float32{}, v...),
			StateType: "variance",
		})
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint.
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	a.momentum = make(map[string][]float32)
	a.variance = make(map[string][]float32)

	for _, t := range state.StateData {
		switch t.StateType {
		case "momentum":
			key, ok := cutPrefix(t.Name, "momentum:")
			if !ok {
				return fmt.Errorf("malformed Adam state tensor name %q", t.Name)
			}
			a.momentum[key] = append([]float32{}, t.Data...)
		case "variance":
			key, ok := cutPrefix(t.Name, "variance:")
			if !ok {
				return fmt.Errorf("malformed Adam state tensor name %q", t.Name)
			}
			a.variance[key] = append([]float32{}, t.Data...)
		default:
			return fmt.Errorf("unexpected Adam state tensor type %q", t.StateType)
		}
	}

	if raw, ok := state.Parameters["step_count"]; ok {
		a.stepCount = toUint64(raw)
	}
	return nil
}

// GetStepCount returns the number of updates applied so far.
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate changes the learning rate for subsequent steps.
func (a *Adam) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}
