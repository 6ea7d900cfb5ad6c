package optimizer

import (
	"fmt"

	"github.com/tsawler/evomask/checkpoints"
)

// FromState reconstructs an optimizer from a serialized state, so that a
// training snapshot can be restored or deep-copied without knowing the
// concrete optimizer type.
func FromState(state *checkpoints.OptimizerState) (Optimizer, error) {
	if state == nil {
		return nil, fmt.Errorf("optimizer state is nil")
	}

	switch state.Type {
	case "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = paramFloat(state.Parameters, "learning_rate", cfg.LearningRate)
		cfg.Momentum = paramFloat(state.Parameters, "momentum", cfg.Momentum)
		cfg.WeightDecay = paramFloat(state.Parameters, "weight_decay", cfg.WeightDecay)
		cfg.Nesterov = paramBool(state.Parameters, "nesterov", cfg.Nesterov)
		opt, err := NewSGD(cfg)
		if err != nil {
			return nil, fmt.Errorf("restoring SGD: %v", err)
		}
		if err := opt.LoadState(state); err != nil {
			return nil, err
		}
		return opt, nil

	case "Adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = paramFloat(state.Parameters, "learning_rate", cfg.LearningRate)
		cfg.Beta1 = paramFloat(state.Parameters, "beta1", cfg.Beta1)
		cfg.Beta2 = paramFloat(state.Parameters, "beta2", cfg.Beta2)
		cfg.Epsilon = paramFloat(state.Parameters, "epsilon", cfg.Epsilon)
		cfg.WeightDecay = paramFloat(state.Parameters, "weight_decay", cfg.WeightDecay)
		opt, err := NewAdam(cfg)
		if err != nil {
			return nil, fmt.Errorf("restoring Adam: %v", err)
		}
		if err := opt.LoadState(state); err != nil {
			return nil, err
		}
		return opt, nil

	default:
		return nil, fmt.Errorf("unknown optimizer type %q", state.Type)
	}
}

// paramFloat reads a numeric parameter that may have been through a JSON
// round trip, where all numbers come back as float64.
func paramFloat(params map[string]interface{}, key string, fallback float32) float32 {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	default:
		return fallback
	}
}

func paramBool(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}
