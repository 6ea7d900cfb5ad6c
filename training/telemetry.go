package training

import (
	"log"
)

// Sink receives named scalar values from the training loop. Implementations
// forward them to whatever experiment tracking is in use; the core never
// talks to a global logger.
type Sink interface {
	LogScalar(name string, value float64, step int)
}

// NullSink discards everything. It is the default when no sink is injected.
type NullSink struct{}

func (NullSink) LogScalar(string, float64, int) {}

// LogSink writes scalars to a standard logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) LogScalar(name string, value float64, step int) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf("%s=%.6f step=%d", name, value, step)
}
