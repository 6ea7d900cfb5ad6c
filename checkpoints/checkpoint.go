// Package checkpoints serializes model parameters, optimizer state, and
// training progress. Two on-disk formats are supported: human-readable JSON
// and a compact protobuf binary encoding.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/tensor"
)

// CheckpointFormat defines the serialization format.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer
// state, and training metadata.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// TrainingState captures the current training progress.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.).
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a complete model checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// LoadCheckpoint loads a model checkpoint.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func stampMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "evomask"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights converts model parameters into checkpoint weight tensors,
// ordered by layer name for a stable on-disk layout.
func ExtractWeights(params model.Params) []WeightTensor {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names)*2)
	for _, name := range names {
		layer := params[name]
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("%s.kernel", name),
			Shape: append([]int{}, layer.Kernel.Shape...),
			Data:  append([]float32{}, layer.Kernel.Float32s()...),
			Layer: name,
			Type:  "kernel",
		})
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("%s.bias", name),
			Shape: append([]int{}, layer.Bias.Shape...),
			Data:  append([]float32{}, layer.Bias.Float32s()...),
			Layer: name,
			Type:  "bias",
		})
	}
	return weights
}

// RestoreWeights rebuilds model parameters from checkpoint weight tensors.
func RestoreWeights(weights []WeightTensor) (model.Params, error) {
	params := make(model.Params)

	for _, weight := range weights {
		layerName := weight.Layer
		if layerName == "" {
			layerName = strings.TrimSuffix(strings.TrimSuffix(weight.Name, ".kernel"), ".bias")
		}

		t, err := tensor.NewTensor(weight.Shape, tensor.Float32, append([]float32{}, weight.Data...))
		if err != nil {
			return nil, fmt.Errorf("weight %s: %v", weight.Name, err)
		}

		layer := params[layerName]
		if layer == nil {
			layer = &model.Layer{}
			params[layerName] = layer
		}

		switch weight.Type {
		case "kernel":
			layer.Kernel = t
		case "bias":
			layer.Bias = t
		default:
			return nil, fmt.Errorf("weight %s: unknown tensor type %q", weight.Name, weight.Type)
		}
	}

	for name, layer := range params {
		if layer.Kernel == nil || layer.Bias == nil {
			return nil, fmt.Errorf("layer %s: incomplete checkpoint (kernel and bias both required)", name)
		}
	}

	return params, nil
}
