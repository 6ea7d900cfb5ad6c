package evo

import (
	"fmt"
	"log"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/evomask/checkpoints"
	"github.com/tsawler/evomask/task"
	"github.com/tsawler/evomask/training"
)

// TrainerConfig configures the evolutionary search.
type TrainerConfig struct {
	Task     *task.Masking // scoring task, reward is negative training loss
	TestTask *task.Masking // held-out task, reward is accuracy
	Policy   *MaskPolicy
	Solver   Solver

	NumGenerations int

	// LogInterval controls how often population statistics are reported.
	// Zero means every 10 generations.
	LogInterval int

	// TestInterval controls how often the best parameters are scored on the
	// held-out task. Zero means every 50 generations, negative disables it.
	TestInterval int

	// TestEpisodes is the number of held-out episodes averaged per test
	// score. Zero means 8.
	TestEpisodes int

	Seed   int64
	Sink   training.Sink
	Logger *log.Logger

	// CheckpointPath, when set, receives the best parameters after the run.
	CheckpointPath string
}

// Trainer runs the generation loop: ask the solver for a population, roll
// out one episode per member, and tell the rewards back.
type Trainer struct {
	cfg    TrainerConfig
	sink   training.Sink
	logger *log.Logger
	rng    *rand.Rand
}

// NewTrainer validates the configuration and builds a trainer.
func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.Task == nil {
		return nil, fmt.Errorf("a scoring task is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("a policy is required")
	}
	if cfg.Solver == nil {
		return nil, fmt.Errorf("a solver is required")
	}
	if cfg.NumGenerations <= 0 {
		return nil, fmt.Errorf("number of generations must be positive, got %d", cfg.NumGenerations)
	}
	if cfg.Task.MaskWidth() != cfg.Policy.Net.MaskWidth {
		return nil, fmt.Errorf("policy mask width %d does not match task mask width %d",
			cfg.Policy.Net.MaskWidth, cfg.Task.MaskWidth())
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = 10
	}
	if cfg.TestInterval == 0 {
		cfg.TestInterval = 50
	}
	if cfg.TestEpisodes == 0 {
		cfg.TestEpisodes = 8
	}

	sink := cfg.Sink
	if sink == nil {
		sink = training.NullSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Trainer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Result summarizes an evolutionary run.
type Result struct {
	BestParams   []float32
	TestAccuracy float64
}

// Run executes the generation loop and returns the best parameters found.
func (t *Trainer) Run() (*Result, error) {
	for gen := 0; gen < t.cfg.NumGenerations; gen++ {
		population := t.cfg.Solver.Ask()

		keys := make([]int64, len(population))
		for i := range keys {
			keys[i] = t.rng.Int63()
		}
		state, err := t.cfg.Task.Reset(keys)
		if err != nil {
			return nil, fmt.Errorf("generation %d: %v", gen, err)
		}

		actions, err := t.cfg.Policy.GetActions(state, population)
		if err != nil {
			return nil, fmt.Errorf("generation %d: %v", gen, err)
		}

		_, rewards, _, err := t.cfg.Task.Step(state, actions)
		if err != nil {
			return nil, fmt.Errorf("generation %d: %v", gen, err)
		}

		if err := t.cfg.Solver.Tell(rewards); err != nil {
			return nil, fmt.Errorf("generation %d: %v", gen, err)
		}

		if gen%t.cfg.LogInterval == 0 {
			mean := stat.Mean(rewards, nil)
			t.sink.LogScalar("evo/reward_mean", mean, gen)
			t.sink.LogScalar("evo/reward_max", floats.Max(rewards), gen)
			t.logger.Printf("generation %d: mean reward %.4f", gen, mean)
		}
		if t.cfg.TestTask != nil && t.cfg.TestInterval > 0 && gen%t.cfg.TestInterval == 0 {
			acc, err := t.evalBest()
			if err != nil {
				return nil, fmt.Errorf("generation %d test: %v", gen, err)
			}
			t.sink.LogScalar("evo/test_accuracy", acc, gen)
		}
	}

	result := &Result{BestParams: t.cfg.Solver.BestParams()}
	if t.cfg.TestTask != nil {
		acc, err := t.evalBest()
		if err != nil {
			return nil, err
		}
		result.TestAccuracy = acc
	}

	if t.cfg.CheckpointPath != "" {
		if err := t.saveBest(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// evalBest scores the solver's best parameters on the held-out task,
// averaged over several episodes.
func (t *Trainer) evalBest() (float64, error) {
	best := t.cfg.Solver.BestParams()

	keys := make([]int64, t.cfg.TestEpisodes)
	for i := range keys {
		keys[i] = t.rng.Int63()
	}
	state, err := t.cfg.TestTask.Reset(keys)
	if err != nil {
		return 0, err
	}

	// Every episode evaluates the same candidate.
	population := make([][]float32, len(keys))
	for i := range population {
		population[i] = best
	}
	actions, err := t.cfg.Policy.GetActions(state, population)
	if err != nil {
		return 0, err
	}
	_, rewards, _, err := t.cfg.TestTask.Step(state, actions)
	if err != nil {
		return 0, err
	}
	return stat.Mean(rewards, nil), nil
}

// saveBest writes the best mask parameters as a checkpoint.
func (t *Trainer) saveBest(result *Result) error {
	ck := &checkpoints.Checkpoint{
		Weights: []checkpoints.WeightTensor{{
			Name:  "MaskNet/kernel_and_bias",
			Shape: []int{len(result.BestParams)},
			Data:  result.BestParams,
			Layer: "MaskNet",
			Type:  "kernel",
		}},
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.cfg.NumGenerations,
			BestAccuracy: float32(result.TestAccuracy),
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: "best mask network parameters",
			Tags:        []string{"masknet", "evolved"},
		},
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary)
	if err := saver.SaveCheckpoint(ck, t.cfg.CheckpointPath); err != nil {
		return fmt.Errorf("saving best parameters: %v", err)
	}
	return nil
}
