package task

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/tensor"
)

// Config configures the masking task.
type Config struct {
	// Params are the frozen classifier weights candidates are scored
	// against. The task never updates them.
	Params model.Params

	// BatchSize is the number of pool samples each episode scores on.
	BatchSize int

	// Test switches the reward from negative training loss to accuracy and
	// shrinks the default pool.
	Test bool

	// PoolCap bounds the sample pool. Zero selects the default for the
	// chosen mode.
	PoolCap int

	// PoolSeed fixes the pool subsample.
	PoolSeed int64
}

// State is the arena for one vectorized rollout. Rows are grouped by
// population member: member p owns rows [p*BatchSize, (p+1)*BatchSize).
type State struct {
	NumParallel int
	BatchSize   int

	Images      *tensor.Tensor // [P*B, H, W, C]
	ClassLabels []int32        // length P*B
	TaskLabels  []int32        // length P*B, the observation the policy sees
	Keys        []int64
}

// Obs returns member p's observation: the dataset-origin labels of its batch.
func (s *State) Obs(p int) []int32 {
	return s.TaskLabels[p*s.BatchSize : (p+1)*s.BatchSize]
}

// Masking scores a population of feature masks against a frozen classifier.
// Episodes are a single step: Reset draws each member a batch from the pool,
// Step applies the proposed masks and returns one reward per member.
type Masking struct {
	cfg       Config
	pool      *Pool
	maskWidth int
}

// NewMasking builds the task over the given pool. Pass a pool built by
// PoolFromBundle, or any fixed sample set for tests.
func NewMasking(cfg Config, pool *Pool) (*Masking, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("classifier parameters are required")
	}
	if pool == nil || pool.Len() == 0 {
		return nil, fmt.Errorf("sample pool is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize > pool.Len() {
		return nil, fmt.Errorf("batch size %d exceeds pool size %d", cfg.BatchSize, pool.Len())
	}

	width, err := cfg.Params.MaskWidth()
	if err != nil {
		return nil, err
	}

	return &Masking{cfg: cfg, pool: pool, maskWidth: width}, nil
}

// NewMaskingFromBundle builds the pool from a dataset bundle and wraps it in
// a task.
func NewMaskingFromBundle(cfg Config, bundle *datasets.Bundle) (*Masking, error) {
	capacity := cfg.PoolCap
	if capacity == 0 {
		if cfg.Test {
			capacity = DefaultTestPoolCap
		} else {
			capacity = DefaultTrainPoolCap
		}
	}
	pool, err := PoolFromBundle(bundle, capacity, cfg.PoolSeed)
	if err != nil {
		return nil, err
	}
	return NewMasking(cfg, pool)
}

// MaskWidth returns the feature width a proposed mask must have.
func (t *Masking) MaskWidth() int {
	return t.maskWidth
}

// Reset starts one episode per key. Member p's batch is drawn from the pool
// without replacement using keys[p], so identical keys reproduce identical
// batches.
func (t *Masking) Reset(keys []int64) (*State, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one key is required")
	}

	numParallel := len(keys)
	b := t.cfg.BatchSize
	shape := t.pool.Images.Shape
	sampleSize := shape[1] * shape[2] * shape[3]
	poolData := t.pool.Images.Float32s()

	data := make([]float32, numParallel*b*sampleSize)
	classLabels := make([]int32, numParallel*b)
	taskLabels := make([]int32, numParallel*b)

	for p, key := range keys {
		rng := rand.New(rand.NewSource(key))
		idx := rng.Perm(t.pool.Len())[:b]
		for i, row := range idx {
			dst := (p*b + i) * sampleSize
			copy(data[dst:dst+sampleSize], poolData[row*sampleSize:(row+1)*sampleSize])
			classLabels[p*b+i] = t.pool.ClassLabels[row]
			taskLabels[p*b+i] = t.pool.TaskLabels[row]
		}
	}

	images, err := tensor.NewTensor([]int{numParallel * b, shape[1], shape[2], shape[3]}, tensor.Float32, data)
	if err != nil {
		return nil, err
	}
	return &State{
		NumParallel: numParallel,
		BatchSize:   b,
		Images:      images,
		ClassLabels: classLabels,
		TaskLabels:  taskLabels,
		Keys:        append([]int64{}, keys...),
	}, nil
}

// Step scores one action per member. actions must have shape [P, B, W] where
// W matches the classifier's feature width; row (p, i) is the mask applied
// to member p's sample i. Episodes are single-step, so every done flag is
// true and the state comes back unchanged.
func (t *Masking) Step(state *State, actions *tensor.Tensor) (*State, []float64, []bool, error) {
	if state == nil {
		return nil, nil, nil, fmt.Errorf("state is nil")
	}
	if actions == nil || len(actions.Shape) != 3 {
		return nil, nil, nil, fmt.Errorf("actions must have shape [P, B, W]")
	}
	if actions.Shape[0] != state.NumParallel || actions.Shape[1] != state.BatchSize {
		return nil, nil, nil, fmt.Errorf("actions shape %v does not match %d members with batch size %d",
			actions.Shape, state.NumParallel, state.BatchSize)
	}
	if actions.Shape[2] != t.maskWidth {
		return nil, nil, nil, fmt.Errorf("mask width %d does not match the classifier feature width %d",
			actions.Shape[2], t.maskWidth)
	}

	b := state.BatchSize
	shape := t.pool.Images.Shape
	sampleSize := shape[1] * shape[2] * shape[3]
	imageData := state.Images.Float32s()
	actionData := actions.Float32s()

	rewards := make([]float64, state.NumParallel)
	done := make([]bool, state.NumParallel)

	for p := 0; p < state.NumParallel; p++ {
		images, err := tensor.NewTensor([]int{b, shape[1], shape[2], shape[3]}, tensor.Float32,
			imageData[p*b*sampleSize:(p+1)*b*sampleSize])
		if err != nil {
			return nil, nil, nil, err
		}
		mask, err := tensor.NewTensor([]int{b, t.maskWidth}, tensor.Float32,
			actionData[p*b*t.maskWidth:(p+1)*b*t.maskWidth])
		if err != nil {
			return nil, nil, nil, err
		}

		logits, _, err := model.Forward(t.cfg.Params, images, model.ForwardConfig{Mask: mask})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("member %d: %v", p, err)
		}

		labels := state.ClassLabels[p*b : (p+1)*b]
		if t.cfg.Test {
			acc, err := model.Accuracy(logits, labels)
			if err != nil {
				return nil, nil, nil, err
			}
			rewards[p] = acc
		} else {
			loss, err := model.CrossEntropyLoss(logits, labels)
			if err != nil {
				return nil, nil, nil, err
			}
			rewards[p] = -loss
		}
		done[p] = true
	}

	return state, rewards, done, nil
}
