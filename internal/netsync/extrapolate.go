package netsync

import (
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
)

// SnapshotEntry is one decoded snapshot value in client-local handle space.
type SnapshotEntry struct {
	Entity ecs.Entity
	Type   ecs.TypeID
	Value  any
}

// ExtrapolationInput seeds a job: the involved entity set with a copy of
// its current local state, the snapshot values to rewind to, the snapshot
// time, and the locally owned subset whose inputs replay from history.
type ExtrapolationInput struct {
	StartTime       float64
	Entities        []ecs.Entity
	SnapshotEntries []SnapshotEntry
	Owned           map[ecs.Entity]bool
}

// ExtrapolatedBody is one body's final state, in client-local handles.
type ExtrapolatedBody struct {
	Entity      ecs.Entity
	Position    comp.Position
	Orientation comp.Orientation
	LinVel      comp.LinVel
	AngVel      comp.AngVel
}

// ExtrapolationResult is what the job hands back to the client tick.
type ExtrapolationResult struct {
	Bodies          []ExtrapolatedBody
	TerminatedEarly bool
}

// ExtrapolationJob is a headless island worker: a private registry seeded
// from a snapshot, stepped at fixed dt from the snapshot time until it
// catches up to the present, replaying buffered inputs along the way.
type ExtrapolationJob struct {
	input   ExtrapolationInput
	history *InputHistory
	fixedDt float64
	budget  time.Duration
	now     func() float64

	reg       *ecs.Registry
	jmap      map[ecs.Entity]ecs.Entity // client local -> job local
	back      map[ecs.Entity]ecs.Entity // job local -> client local
	bphase    *dynamics.Broadphase
	solver    *dynamics.Solver
	manifolds map[dynamics.Pair]ecs.Entity

	done   chan struct{}
	result ExtrapolationResult
}

// NewExtrapolationJob seeds the job registry by copying every component of
// the involved entities out of the source registry, then overwriting with
// the snapshot values.
func NewExtrapolationJob(source *ecs.Registry, input ExtrapolationInput, history *InputHistory, fixedDt float64, budget time.Duration, now func() float64) *ExtrapolationJob {
	j := &ExtrapolationJob{
		input:     input,
		history:   history,
		fixedDt:   fixedDt,
		budget:    budget,
		now:       now,
		reg:       ecs.NewRegistry(),
		jmap:      make(map[ecs.Entity]ecs.Entity),
		back:      make(map[ecs.Entity]ecs.Entity),
		bphase:    dynamics.NewBroadphase(),
		manifolds: make(map[dynamics.Pair]ecs.Entity),
		done:      make(chan struct{}),
	}
	comp.RegisterAll(j.reg)
	j.solver = dynamics.NewSolver(j.reg)

	for _, e := range input.Entities {
		if !source.Alive(e) {
			continue
		}
		local := j.reg.Create()
		j.jmap[e] = local
		j.back[local] = e
	}
	remap := func(ref ecs.Entity) ecs.Entity {
		if mapped, ok := j.jmap[ref]; ok {
			return mapped
		}
		return ecs.Null
	}
	for _, e := range input.Entities {
		local, ok := j.jmap[e]
		if !ok {
			continue
		}
		for t := ecs.TypeID(0); int(t) < comp.NumTypes(); t++ {
			v, ok := source.GetAny(t, e)
			if !ok {
				continue
			}
			if t == comp.TypeShape {
				// The rotated cache is mutated in place; force a private
				// rebuild inside the job registry.
				shape := v.(comp.Shape)
				shape.RotatedVertices = nil
				v = shape
			}
			j.reg.SetAny(t, local, comp.RemapEntities(t, v, remap))
		}
	}
	for _, entry := range input.SnapshotEntries {
		local, ok := j.jmap[entry.Entity]
		if !ok {
			continue
		}
		j.reg.SetAny(entry.Type, local, comp.RemapEntities(entry.Type, entry.Value, remap))
	}
	ecs.Each(j.reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		pair := dynamics.Pair{A: m.Body[0], B: m.Body[1]}
		if pair.A.ID > pair.B.ID {
			pair.A, pair.B = pair.B, pair.A
		}
		j.manifolds[pair] = e
	})
	return j
}

// Start launches the job on its own goroutine.
func (j *ExtrapolationJob) Start() {
	go j.run()
}

// Done closes when the result is available.
func (j *ExtrapolationJob) Done() <-chan struct{} { return j.done }

// Result is valid after Done closes.
func (j *ExtrapolationJob) Result() ExtrapolationResult { return j.result }

func (j *ExtrapolationJob) run() {
	defer close(j.done)
	deadline := time.Now().Add(j.budget)

	dynamics.RefreshAll(j.reg)

	t := j.input.StartTime
	for t < j.now() {
		j.applyInputs(t, t+j.fixedDt)
		j.step()
		t += j.fixedDt
		if j.budget > 0 && time.Now().After(deadline) {
			j.result.TerminatedEarly = true
			break
		}
	}

	for jobLocal, clientLocal := range j.back {
		pos, okPos := ecs.Get[comp.Position](j.reg, comp.TypePosition, jobLocal)
		orn, okOrn := ecs.Get[comp.Orientation](j.reg, comp.TypeOrientation, jobLocal)
		if !okPos || !okOrn {
			continue
		}
		if kind, ok := ecs.Get[comp.BodyKind](j.reg, comp.TypeBodyKind, jobLocal); !ok || kind.Kind != comp.KindDynamic {
			continue
		}
		linvel, _ := ecs.Get[comp.LinVel](j.reg, comp.TypeLinVel, jobLocal)
		angvel, _ := ecs.Get[comp.AngVel](j.reg, comp.TypeAngVel, jobLocal)
		j.result.Bodies = append(j.result.Bodies, ExtrapolatedBody{
			Entity:      clientLocal,
			Position:    pos,
			Orientation: orn,
			LinVel:      linvel,
			AngVel:      angvel,
		})
	}
}

// applyInputs replays history samples due within the sub-step window.
func (j *ExtrapolationJob) applyInputs(from, to float64) {
	for _, sample := range j.history.Range(from, to) {
		local, ok := j.jmap[sample.Entity]
		if !ok {
			continue
		}
		ecs.Set(j.reg, comp.TypeControlInput, local, sample.Input)
	}
}

// step runs the same fixed-step pipeline an island worker runs, minus the
// messaging.
func (j *ExtrapolationJob) step() {
	j.bphase.Update(j.reg)
	pairs := j.bphase.Pairs(func(a, b ecs.Entity) bool {
		return j.reg.Has(comp.TypeProcedural, a) || j.reg.Has(comp.TypeProcedural, b)
	})
	live := make(map[dynamics.Pair]bool, len(pairs))
	for _, pair := range pairs {
		live[pair] = true
		if _, exists := j.manifolds[pair]; exists {
			continue
		}
		candidates := j.collide(pair)
		if len(candidates) == 0 {
			continue
		}
		entity := j.reg.Create()
		manifold := comp.ContactManifold{Body: [2]ecs.Entity{pair.A, pair.B}}
		dynamics.MergeManifold(&manifold, candidates)
		ecs.Set(j.reg, comp.TypeContactManifold, entity, manifold)
		j.manifolds[pair] = entity
	}
	for pair, entity := range j.manifolds {
		manifold := ecs.GetPtr[comp.ContactManifold](j.reg, comp.TypeContactManifold, entity)
		if manifold == nil {
			delete(j.manifolds, pair)
			continue
		}
		if !dynamics.MergeManifold(manifold, j.collide(pair)) && !live[pair] {
			delete(j.manifolds, pair)
			j.reg.Destroy(entity)
		}
	}

	dynamics.IntegrateVelocities(j.reg, j.fixedDt)
	j.solver.Step(j.fixedDt)
	dynamics.IntegratePositions(j.reg, j.fixedDt)
}

func (j *ExtrapolationJob) collide(pair dynamics.Pair) []dynamics.ContactCandidate {
	shapeA := ecs.GetPtr[comp.Shape](j.reg, comp.TypeShape, pair.A)
	shapeB := ecs.GetPtr[comp.Shape](j.reg, comp.TypeShape, pair.B)
	if shapeA == nil || shapeB == nil {
		return nil
	}
	posA, _ := ecs.Get[comp.Position](j.reg, comp.TypePosition, pair.A)
	posB, _ := ecs.Get[comp.Position](j.reg, comp.TypePosition, pair.B)
	ornA, _ := ecs.Get[comp.Orientation](j.reg, comp.TypeOrientation, pair.A)
	ornB, _ := ecs.Get[comp.Orientation](j.reg, comp.TypeOrientation, pair.B)
	if ornA.Value.LengthSq() == 0 {
		ornA.Value = comp.Orientation{}.Value
		ornA.Value.W = 1
	}
	if ornB.Value.LengthSq() == 0 {
		ornB.Value.W = 1
	}
	return dynamics.CollideShapes(shapeA, posA.Value, ornA.Value, shapeB, posB.Value, ornB.Value)
}
