package training

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/tsawler/evomask/datasets"
	"github.com/tsawler/evomask/model"
	"github.com/tsawler/evomask/optimizer"
)

// Phase describes where a run ended.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseTraining
	PhaseEarlyStopped
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseTraining:
		return "training"
	case PhaseEarlyStopped:
		return "early_stopped"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// BundleSet groups the three splits a run needs.
type BundleSet struct {
	Train      *datasets.Bundle
	Validation *datasets.Bundle
	Test       *datasets.Bundle
}

// LoadBundles reads the three corpora from disk and groups the splits.
func LoadBundles(dataDir string, validationCount int) (*BundleSet, error) {
	train, validation, test, err := datasets.Load(dataDir, validationCount)
	if err != nil {
		return nil, err
	}
	return &BundleSet{Train: train, Validation: validation, Test: test}, nil
}

func (b *BundleSet) validate() error {
	if b == nil {
		return fmt.Errorf("bundle set is nil")
	}
	if b.Train == nil || b.Validation == nil || b.Test == nil {
		return fmt.Errorf("bundle set must carry train, validation and test splits")
	}
	return nil
}

// RunConfig configures one training run.
type RunConfig struct {
	Seed      int64
	NumEpochs int
	BatchSize int

	// LearningRate seeds the optimizer when no state is resumed. Zero means
	// the Adam default.
	LearningRate float32

	// EvalOnly skips training and runs a single sweep over the test split.
	EvalOnly bool

	// EarlyStopping stops as soon as validation accuracy fails to improve
	// strictly, returning the snapshot from the best epoch.
	EarlyStopping bool

	// EvoEpoch offsets logged epoch indices when the run is one segment of
	// an outer optimization loop.
	EvoEpoch int

	// State resumes from an existing snapshot instead of fresh parameters.
	State *State

	// Bundles supplies the data directly; Loader builds it when Bundles is
	// nil. One of the two is required.
	Bundles *BundleSet
	Loader  func() (*BundleSet, error)

	Scheduler LRScheduler
	Sink      Sink
	Logger    *log.Logger

	Step StepConfig
}

// RunResult is the outcome of a run.
type RunResult struct {
	// State is the final (or best, under early stopping) training state.
	// A run early-stopped on its first epoch has no best snapshot; State is
	// nil and TestAccuracy is zero.
	State *State

	TestAccuracy           float64
	BestValidationAccuracy float64
	Phase                  Phase
	EpochsRun              int
}

// Run executes a training run: each epoch sweeps the train split with
// gradient updates, then evaluates the validation and test splits protected
// from parameter updates. All three splits of an epoch share one shuffle
// seed.
func Run(cfg RunConfig) (*RunResult, error) {
	if cfg.Bundles == nil && cfg.Loader != nil {
		bundles, err := cfg.Loader()
		if err != nil {
			return nil, fmt.Errorf("loading bundles: %v", err)
		}
		cfg.Bundles = bundles
	}
	if err := cfg.Bundles.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if !cfg.EvalOnly && cfg.NumEpochs <= 0 {
		return nil, fmt.Errorf("number of epochs must be positive, got %d", cfg.NumEpochs)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NullSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	state := cfg.State
	if state == nil {
		params, err := model.Init(rng)
		if err != nil {
			return nil, fmt.Errorf("initializing parameters: %v", err)
		}
		optCfg := optimizer.DefaultAdamConfig()
		if cfg.LearningRate > 0 {
			optCfg.LearningRate = cfg.LearningRate
		}
		opt, err := optimizer.NewAdam(optCfg)
		if err != nil {
			return nil, err
		}
		state = &State{Params: params, Optimizer: opt}
	}

	if cfg.EvalOnly {
		if _, err := EpochStep(false, state, cfg.Bundles.Test, cfg.BatchSize, rng, cfg.Step, sink); err != nil {
			return nil, fmt.Errorf("test sweep: %v", err)
		}
		acc := cfg.Bundles.Test.MeanAccuracy()
		sink.LogScalar("test/accuracy", acc, cfg.EvoEpoch)
		return &RunResult{State: state, TestAccuracy: acc, Phase: PhaseCompleted}, nil
	}

	baseLR := float64(optimizer.DefaultAdamConfig().LearningRate)
	if cfg.LearningRate > 0 {
		baseLR = float64(cfg.LearningRate)
	}

	var (
		stopper earlyStopper
		testAcc float64
	)

	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		relEpoch := cfg.EvoEpoch*cfg.NumEpochs + epoch

		if cfg.Scheduler != nil {
			lr := cfg.Scheduler.GetLR(epoch, baseLR)
			state.Optimizer.UpdateLearningRate(float32(lr))
			sink.LogScalar("train/learning_rate", lr, relEpoch)
		}

		// One shuffle seed serves all three splits of the epoch.
		epochSeed := rng.Int63()

		var err error
		state, err = EpochStep(true, state, cfg.Bundles.Train, cfg.BatchSize,
			rand.New(rand.NewSource(epochSeed)), cfg.Step, sink)
		if err != nil {
			return nil, fmt.Errorf("epoch %d train sweep: %v", epoch, err)
		}
		if _, err = EpochStep(false, state, cfg.Bundles.Validation, cfg.BatchSize,
			rand.New(rand.NewSource(epochSeed)), cfg.Step, sink); err != nil {
			return nil, fmt.Errorf("epoch %d validation sweep: %v", epoch, err)
		}
		if _, err = EpochStep(false, state, cfg.Bundles.Test, cfg.BatchSize,
			rand.New(rand.NewSource(epochSeed)), cfg.Step, sink); err != nil {
			return nil, fmt.Errorf("epoch %d test sweep: %v", epoch, err)
		}

		valAcc := cfg.Bundles.Validation.MeanAccuracy()
		testAcc = cfg.Bundles.Test.MeanAccuracy()

		sink.LogScalar("train/loss", cfg.Bundles.Train.MeanLoss(), relEpoch)
		sink.LogScalar("train/accuracy", cfg.Bundles.Train.MeanAccuracy(), relEpoch)
		sink.LogScalar("validation/accuracy", valAcc, relEpoch)
		sink.LogScalar("test/accuracy", testAcc, relEpoch)
		for _, name := range cfg.Bundles.Test.Names {
			m := cfg.Bundles.Test.Metrics[name]
			sink.LogScalar("test/"+name+"/accuracy", m.Accuracy, relEpoch)
		}

		if cfg.EarlyStopping {
			improved, err := stopper.observe(valAcc, testAcc, state)
			if err != nil {
				return nil, fmt.Errorf("epoch %d: %v", epoch, err)
			}
			if !improved {
				if stopper.best == nil {
					logger.Printf("early stopping triggered on the first epoch; no best snapshot exists")
					return &RunResult{
						Phase:     PhaseEarlyStopped,
						EpochsRun: epoch + 1,
					}, nil
				}
				return &RunResult{
					State:                  stopper.best,
					TestAccuracy:           stopper.bestTest,
					BestValidationAccuracy: stopper.bestVal,
					Phase:                  PhaseEarlyStopped,
					EpochsRun:              epoch + 1,
				}, nil
			}
		}
	}

	return &RunResult{
		State:                  state,
		TestAccuracy:           testAcc,
		BestValidationAccuracy: stopper.bestVal,
		Phase:                  PhaseCompleted,
		EpochsRun:              cfg.NumEpochs,
	}, nil
}

// earlyStopper tracks the best validation epoch. Improvement must be strict;
// ties stop training.
type earlyStopper struct {
	bestVal  float64
	bestTest float64
	best     *State
}

// observe records one epoch's validation and test accuracy. On strict
// improvement it snapshots the state and reports true; otherwise it reports
// false and the previous best stands.
func (e *earlyStopper) observe(valAcc, testAcc float64, state *State) (bool, error) {
	if valAcc <= e.bestVal {
		return false, nil
	}
	snapshot, err := state.Clone()
	if err != nil {
		return false, err
	}
	e.bestVal = valAcc
	e.bestTest = testAcc
	e.best = snapshot
	return true, nil
}
