package engine

import (
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/vmath"
)

// World is the facade over the island coordinator. All methods must run on
// the main goroutine.
type World struct {
	cfg        Config
	dispatcher *island.Dispatcher
	coord      *island.Coordinator
}

func NewWorld(cfg Config) *World {
	if cfg.FixedDt <= 0 {
		cfg.FixedDt = DefaultConfig().FixedDt
	}
	if cfg.DiscontinuityDecayRate <= 0 {
		cfg.DiscontinuityDecayRate = DefaultConfig().DiscontinuityDecayRate
	}
	dispatcher := island.NewDispatcher(cfg.Workers)
	coord := island.NewCoordinator(island.CoordinatorConfig{
		Settings:   cfg.islandSettings(),
		Dispatcher: dispatcher,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Now:        cfg.Now,
	})
	return &World{cfg: cfg, dispatcher: dispatcher, coord: coord}
}

// Coordinator exposes the island coordinator for the network layer.
func (w *World) Coordinator() *island.Coordinator { return w.coord }

// Registry exposes the authoritative store. Main goroutine only.
func (w *World) Registry() *ecs.Registry { return w.coord.Registry() }

// CreateBody adds a rigid body. Dynamic bodies without an explicit gravity
// inherit the world default.
func (w *World) CreateBody(def BodyDef) Entity {
	if def.Gravity == nil && def.Kind == comp.KindDynamic {
		gravity := w.cfg.Gravity
		def.Gravity = &gravity
	}
	return w.coord.MakeBody(def)
}

// CreateConstraint adds a constraint edge between two existing bodies.
func (w *World) CreateConstraint(def Constraint) (Entity, error) {
	return w.coord.MakeConstraint(def)
}

// DestroyBody removes a body; incident constraints and manifolds cascade.
func (w *World) DestroyBody(e Entity) {
	w.coord.DestroyBody(e)
}

// SetCenterOfMass moves a body's center of mass and refreshes derived
// state everywhere.
func (w *World) SetCenterOfMass(e Entity, com vmath.Vec3) {
	w.coord.SetCenterOfMass(e, com)
}

// WakeUp wakes the islands containing the entity.
func (w *World) WakeUp(e Entity) {
	w.coord.WakeUpIsland(e)
}

// Refresh ships the current values of the listed component types to the
// owning workers on the next tick.
func (w *World) Refresh(e Entity, types ...ecs.TypeID) {
	w.coord.Refresh(e, types...)
}

// SetPaused halts or resumes stepping on every island.
func (w *World) SetPaused(paused bool) {
	w.cfg.Paused = paused
	w.coord.SetPaused(paused)
}

// StepSimulation advances every island one fixed step while paused.
func (w *World) StepSimulation() {
	w.coord.StepSimulation()
}

// Update is the main-thread tick: route deltas both ways and decay
// presentation offsets.
func (w *World) Update() {
	w.coord.Update()
	w.decayDiscontinuities()
}

// Shutdown terminates workers and the dispatcher pool.
func (w *World) Shutdown(timeout time.Duration) error {
	err := w.coord.Shutdown(timeout)
	w.dispatcher.Close()
	return err
}

// decayDiscontinuities shrinks reconciliation offsets each tick so the
// presentation transform converges on the simulated one.
func (w *World) decayDiscontinuities() {
	reg := w.coord.Registry()
	rate := w.cfg.DiscontinuityDecayRate
	var expired []Entity
	ecs.Each(reg, comp.TypeDiscontinuity, func(e Entity, disc *comp.Discontinuity) {
		disc.PositionOffset = disc.PositionOffset.Scale(rate)
		disc.OrientationOffset = decayTowardIdentity(disc.OrientationOffset, rate)
		if disc.PositionOffset.LengthSq() < 1e-10 && isNearIdentity(disc.OrientationOffset) {
			expired = append(expired, e)
		}
	})
	for _, e := range expired {
		reg.RemoveComponent(comp.TypeDiscontinuity, e)
	}
}

func decayTowardIdentity(q vmath.Quat, rate float64) vmath.Quat {
	if q.LengthSq() == 0 {
		return vmath.QuatIdentity()
	}
	identity := vmath.QuatIdentity()
	blended := vmath.Quat{
		X: q.X * rate,
		Y: q.Y * rate,
		Z: q.Z * rate,
		W: identity.W*(1-rate) + q.W*rate,
	}
	return blended.Normalize()
}

func isNearIdentity(q vmath.Quat) bool {
	if q.LengthSq() == 0 {
		return true
	}
	return q.X*q.X+q.Y*q.Y+q.Z*q.Z < 1e-10
}

// PresentationTransform composes the simulated transform with the body's
// decaying discontinuity. Renderers read this instead of the raw state.
func (w *World) PresentationTransform(e Entity) (vmath.Vec3, vmath.Quat, bool) {
	reg := w.coord.Registry()
	pos, okPos := ecs.Get[comp.Position](reg, comp.TypePosition, e)
	orn, okOrn := ecs.Get[comp.Orientation](reg, comp.TypeOrientation, e)
	if !okPos || !okOrn {
		return vmath.Vec3{}, vmath.QuatIdentity(), false
	}
	outPos, outOrn := pos.Value, orn.Value
	if disc, ok := ecs.Get[comp.Discontinuity](reg, comp.TypeDiscontinuity, e); ok {
		outPos = outPos.Add(disc.PositionOffset)
		if disc.OrientationOffset.LengthSq() > 0 {
			outOrn = disc.OrientationOffset.MulQuat(outOrn).Normalize()
		}
	}
	return outPos, outOrn, true
}
