package training

import (
	"fmt"
	"log"
)

// ObjectiveConfig fixes everything about a hyperparameter evaluation except
// the hyperparameters themselves.
type ObjectiveConfig struct {
	Bundles   *BundleSet
	NumEpochs int
	Seed      int64
	Sink      Sink
	Logger    *log.Logger
	Step      StepConfig
}

// Objective returns a function suitable for a hyperparameter sweep: it
// trains with early stopping at the given learning rate and batch size and
// scores the setting by the test accuracy of the best validation epoch. A
// run that never establishes a best epoch scores zero.
func Objective(cfg ObjectiveConfig) func(learningRate float64, batchSize int) (float64, error) {
	return func(learningRate float64, batchSize int) (float64, error) {
		if learningRate <= 0 {
			return 0, fmt.Errorf("learning rate must be positive, got %g", learningRate)
		}

		result, err := Run(RunConfig{
			Seed:          cfg.Seed,
			NumEpochs:     cfg.NumEpochs,
			BatchSize:     batchSize,
			LearningRate:  float32(learningRate),
			EarlyStopping: true,
			Bundles:       cfg.Bundles,
			Sink:          cfg.Sink,
			Logger:        cfg.Logger,
			Step:          cfg.Step,
		})
		if err != nil {
			return 0, err
		}
		return result.TestAccuracy, nil
	}
}
