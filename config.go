// Package engine exposes the public surface of the simulation: world
// construction, body and constraint creation, the update tick, and the
// presentation transform that hides network reconciliation snaps.
package engine

import (
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/telemetry"
	"stonefall/engine/internal/vmath"
)

// Config tunes the world and its island workers.
type Config struct {
	FixedDt               float64
	Paused                bool
	TimeToSleep           float64
	LinearSleepThreshold  float64
	AngularSleepThreshold float64

	// Gravity applied to dynamic bodies that do not override it.
	Gravity vmath.Vec3

	// DiscontinuityDecayRate is the per-step multiplier applied to
	// reconciliation offsets.
	DiscontinuityDecayRate float64

	// Workers sizes the dispatcher pool; zero picks one per spare CPU.
	Workers int

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// Now overrides the monotonic clock, for tests.
	Now func() float64
}

// DefaultConfig mirrors the documented engine defaults.
func DefaultConfig() Config {
	return Config{
		FixedDt:                1.0 / 60.0,
		TimeToSleep:            0.5,
		LinearSleepThreshold:   0.01,
		AngularSleepThreshold:  0.01,
		Gravity:                vmath.Vec3{Y: -9.81},
		DiscontinuityDecayRate: 0.8,
	}
}

func (c Config) islandSettings() island.Settings {
	return island.Settings{
		FixedDt:               c.FixedDt,
		Paused:                c.Paused,
		TimeToSleep:           c.TimeToSleep,
		LinearSleepThreshold:  c.LinearSleepThreshold,
		AngularSleepThreshold: c.AngularSleepThreshold,
	}
}
