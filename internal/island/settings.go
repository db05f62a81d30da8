package island

import "stonefall/engine/internal/ecs"

// Hook runs user code against a registry at a fixed point in the step.
type Hook func(*ecs.Registry)

// Settings is the engine configuration snapshot shared with every worker.
// Workers receive updates through MsgSetSettings; there is no shared copy.
type Settings struct {
	FixedDt float64
	Paused  bool

	TimeToSleep           float64
	LinearSleepThreshold  float64
	AngularSleepThreshold float64

	// External hooks, run on the worker's goroutine.
	ExternalInit Hook
	PreStep      Hook
	PostStep     Hook
}

// DefaultSettings mirrors the documented engine defaults.
func DefaultSettings() Settings {
	return Settings{
		FixedDt:               1.0 / 60.0,
		TimeToSleep:           0.5,
		LinearSleepThreshold:  0.01,
		AngularSleepThreshold: 0.01,
	}
}

const (
	// maxLagSteps bounds how far a worker may fall behind wall clock
	// before island time is clamped forward.
	maxLagSteps = 10
	// splitDebounce is the delay between detecting a topology change and
	// evaluating a split.
	splitDebounce = 0.6
)
