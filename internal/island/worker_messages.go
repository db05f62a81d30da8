package island

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/delta"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

func identityQuat() vmath.Quat { return vmath.QuatIdentity() }

func (w *Worker) processMessages() {
	for _, msg := range w.in.Drain() {
		switch m := msg.(type) {
		case MsgDelta:
			w.importDelta(&m.Delta)
		case MsgSetPaused:
			w.paused = m.Paused
			if !m.Paused {
				w.islandTime = w.now()
			}
		case MsgStepSimulation:
			w.stepOnce = true
		case MsgWakeUp:
			w.wake()
		case MsgSetCOM:
			w.setCOM(m)
		case MsgSetSettings:
			w.applySettings(m.Settings)
		case MsgSplitRequest:
			// Worker-originated only; ignore if echoed back.
		}
	}
}

func (w *Worker) applySettings(s Settings) {
	s.ExternalInit = w.settings.ExternalInit
	if s.PreStep == nil {
		s.PreStep = w.settings.PreStep
	}
	if s.PostStep == nil {
		s.PostStep = w.settings.PostStep
	}
	w.settings = s
	w.paused = s.Paused
}

// wake clears sleeping state. Tag removals flow through the destroy
// observer so the coordinator hears about them in the next delta.
func (w *Worker) wake() {
	if w.sleeping {
		dynamics.WakeUp(w.reg)
	}
	w.sleeping = false
	w.sleepTime = 0
	w.islandTime = w.now()
}

func (w *Worker) setCOM(m MsgSetCOM) {
	local, ok := w.emap.Local(m.Entity)
	if !ok {
		return
	}
	ecs.Set(w.reg, comp.TypeCenterOfMass, local, comp.CenterOfMass{Value: m.COM})
	dynamics.RefreshDerived(w.reg, local)
	w.reg.MarkUpdated(local, comp.TypeCenterOfMass, comp.TypeOrigin)
}

// importDelta applies a coordinator delta. Observer emission is suppressed
// because the coordinator already knows about everything in the delta; the
// worker answers only with mappings for freshly created locals.
func (w *Worker) importDelta(d *delta.Delta) {
	var result delta.ImportResult
	w.reg.Suppress(func() {
		result = delta.Import(w.reg, w.emap, d)
	})

	for _, local := range result.CreatedLocals {
		if remote, ok := w.emap.Remote(local); ok {
			w.builder.InsertMapping(local, remote)
		}
	}
	for _, local := range result.DestroyedLocals {
		w.forgetEntity(local)
	}

	w.refreshGraph()

	// Derived state of imported bodies must be rebuilt before stepping.
	touched := make(map[ecs.Entity]bool)
	for _, pool := range d.Created {
		w.touchPool(pool, touched)
	}
	for _, pool := range d.Updated {
		w.touchPool(pool, touched)
	}
	for e := range touched {
		dynamics.RefreshDerived(w.reg, e)
	}

	// Receipt of a delta that touches the island wakes it.
	if !d.Empty() && w.sleeping {
		w.wake()
	}
}

func (w *Worker) touchPool(pool delta.Pool, touched map[ecs.Entity]bool) {
	switch pool.Type {
	case comp.TypePosition, comp.TypeOrientation, comp.TypeCenterOfMass, comp.TypeShape:
	default:
		return
	}
	for _, entry := range pool.Entries {
		if local, ok := w.emap.Local(entry.Entity); ok {
			touched[local] = true
		}
	}
}

// entityCreated records an explicit creation event for the outbound delta.
func (w *Worker) entityCreated(e ecs.Entity) {
	w.createdEnts = append(w.createdEnts, e)
}

func (w *Worker) onConstruct(t ecs.TypeID, e ecs.Entity) {
	w.createdEvents = append(w.createdEvents, compEvent{t: t, e: e})
}

func (w *Worker) onDestroy(t ecs.TypeID, e ecs.Entity) {
	w.builder.DestroyedComponent(e, t)
}
