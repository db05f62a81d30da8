package island

import (
	"sync"
	"sync/atomic"
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/delta"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/graph"
)

type workerState int

const (
	stateInit workerState = iota
	stateStep
	stateBeginStep
	stateBroadphase
	stateBroadphaseAsync
	stateNarrowphase
	stateNarrowphaseAsync
	stateSolve
	stateFinishStep
)

// asyncThreshold is the body count beyond which the broad and narrow phases
// run as separate dispatcher tasks.
const asyncThreshold = 64

type compEvent struct {
	t ecs.TypeID
	e ecs.Entity
}

// Worker simulates one island. All fields except the atomics are touched
// only by the goroutine currently running the worker's job.
type Worker struct {
	remoteIsland ecs.Entity // coordinator-space island entity
	localIsland  ecs.Entity

	reg       *ecs.Registry
	g         *graph.Graph
	emap      *ecs.EntityMap // coordinator handle -> local handle
	nodeIdx   map[ecs.Entity]int
	edgeIdx   map[ecs.Entity]int
	manifolds map[dynamics.Pair]ecs.Entity

	in  *Queue
	out *Queue

	dispatcher *Dispatcher
	now        func() float64

	settings   Settings
	state      workerState
	islandTime float64
	sleepTime  float64
	sleeping   bool
	paused     bool
	stepOnce   bool

	bphase *dynamics.Broadphase
	solver *dynamics.Solver

	builder         *delta.Builder
	createdEvents   []compEvent
	createdEnts     []ecs.Entity
	topologyChanged bool
	pendingSplit    bool
	splitTimestamp  float64

	treeView atomic.Pointer[dynamics.TreeView]

	rescheduleCounter atomic.Int32
	splitting         atomic.Bool
	terminating       atomic.Bool
	terminateOnce     sync.Once
	terminated        chan struct{}
}

// NewWorker builds a worker for the given coordinator-space island entity.
// The caller enqueues the initial delta before the first dispatch.
func NewWorker(remoteIsland ecs.Entity, settings Settings, dispatcher *Dispatcher, in, out *Queue, now func() float64) *Worker {
	if now == nil {
		now = WallClock()
	}
	w := &Worker{
		remoteIsland: remoteIsland,
		reg:          ecs.NewRegistry(),
		g:            graph.New(),
		emap:         ecs.NewEntityMap(),
		nodeIdx:      make(map[ecs.Entity]int),
		edgeIdx:      make(map[ecs.Entity]int),
		manifolds:    make(map[dynamics.Pair]ecs.Entity),
		in:           in,
		out:          out,
		dispatcher:   dispatcher,
		now:          now,
		settings:     settings,
		paused:       settings.Paused,
		bphase:       dynamics.NewBroadphase(),
		builder:      delta.NewBuilder(),
		terminated:   make(chan struct{}),
	}
	comp.RegisterAll(w.reg)
	w.solver = dynamics.NewSolver(w.reg)
	w.reg.SetObservers(w.onConstruct, w.onDestroy)

	w.localIsland = w.reg.Create()
	w.emap.Insert(remoteIsland, w.localIsland)
	w.reg.Suppress(func() {
		ecs.Set(w.reg, comp.TypeIsland, w.localIsland, comp.Island{})
	})
	// The first outbound delta teaches the coordinator our island handle.
	w.builder.InsertMapping(w.localIsland, remoteIsland)
	return w
}

// WallClock returns a monotonic seconds source.
func WallClock() func() float64 {
	start := time.Now()
	return func() float64 { return time.Since(start).Seconds() }
}

// Reschedule queues the worker's job unless one is already pending. The
// first increment wins; redundant wake requests are suppressed.
func (w *Worker) Reschedule() {
	if w.rescheduleCounter.Add(1) == 1 {
		w.dispatcher.Dispatch(w.job)
	}
}

func (w *Worker) rescheduleAfter(delay float64) {
	if w.rescheduleCounter.Add(1) != 1 {
		return
	}
	if delay <= 0 {
		w.dispatcher.Dispatch(w.job)
		return
	}
	w.dispatcher.DispatchAfter(time.Duration(delay*float64(time.Second)), w.job)
}

func (w *Worker) job() {
	w.rescheduleCounter.Store(0)
	if w.terminating.Load() {
		w.doTerminate()
		return
	}
	w.update()
}

// Terminate flags the worker for shutdown and wakes it.
func (w *Worker) Terminate() {
	if w.terminating.CompareAndSwap(false, true) {
		w.Reschedule()
	}
}

// Terminated closes once the worker has run its final job.
func (w *Worker) Terminated() <-chan struct{} { return w.terminated }

// doTerminate signals the join channel. An async phase completion may
// reschedule one more job after the first terminating run, so the close is
// guarded.
func (w *Worker) doTerminate() {
	w.terminateOnce.Do(func() {
		close(w.terminated)
	})
}

// Splitting reports whether the worker is parked awaiting the split
// protocol.
func (w *Worker) Splitting() bool { return w.splitting.Load() }

// TreeView returns the latest immutable broad-phase snapshot.
func (w *Worker) TreeView() *dynamics.TreeView { return w.treeView.Load() }

// update advances the state machine until it yields.
func (w *Worker) update() {
	for {
		if w.splitting.Load() {
			// Parked: the coordinator will call Split and re-enable us.
			return
		}
		switch w.state {
		case stateInit:
			w.init()
		case stateStep:
			w.processMessages()
			if !w.shouldStep() {
				w.yieldUntilNextStep()
				return
			}
			w.state = stateBeginStep
		case stateBeginStep:
			w.beginStep()
			w.state = stateBroadphase
		case stateBroadphase:
			if w.reg.NumTypes() > 0 && len(w.reg.EntitiesWith(comp.TypeAABB)) > asyncThreshold {
				w.state = stateBroadphaseAsync
				w.dispatcher.Dispatch(func() {
					w.bphase.Update(w.reg)
					w.state = stateNarrowphase
					w.Reschedule()
				})
				return
			}
			w.bphase.Update(w.reg)
			w.state = stateNarrowphase
		case stateBroadphaseAsync, stateNarrowphaseAsync:
			// Woken by the async task's completion callback.
			return
		case stateNarrowphase:
			w.flushEvents()
			if len(w.reg.EntitiesWith(comp.TypeAABB)) > asyncThreshold {
				w.state = stateNarrowphaseAsync
				w.dispatcher.Dispatch(func() {
					w.runNarrowphase()
					w.state = stateSolve
					w.Reschedule()
				})
				return
			}
			w.runNarrowphase()
			w.state = stateSolve
		case stateSolve:
			dynamics.IntegrateVelocities(w.reg, w.settings.FixedDt)
			w.solver.Step(w.settings.FixedDt)
			dynamics.IntegratePositions(w.reg, w.settings.FixedDt)
			w.state = stateFinishStep
		case stateFinishStep:
			w.finishStep()
			w.state = stateStep
		}
	}
}

func (w *Worker) init() {
	w.processMessages()
	if w.settings.ExternalInit != nil {
		w.settings.ExternalInit(w.reg)
	}
	dynamics.RefreshAll(w.reg)
	w.bphase.Update(w.reg)
	w.treeView.Store(w.bphase.View())
	w.islandTime = w.now()
	w.state = stateStep
}

func (w *Worker) shouldStep() bool {
	if w.paused && !w.stepOnce {
		return false
	}
	if w.sleeping {
		return false
	}
	return w.now()-w.islandTime >= w.settings.FixedDt
}

func (w *Worker) yieldUntilNextStep() {
	if w.terminating.Load() {
		w.dispatcher.Dispatch(w.job)
		return
	}
	if w.sleeping || (w.paused && !w.stepOnce) {
		// Nothing to do until a message arrives; external signals call
		// Reschedule through the queue.
		return
	}
	next := w.islandTime + w.settings.FixedDt
	w.rescheduleAfter(next - w.now())
}

func (w *Worker) beginStep() {
	w.stepOnce = false
	if w.settings.PreStep != nil {
		w.settings.PreStep(w.reg)
	}
	// Initialize rotated caches of shapes imported since the last step.
	ecs.Each(w.reg, comp.TypeShape, func(e ecs.Entity, s *comp.Shape) {
		if s.NeedsRotatedCache() && len(s.RotatedVertices) == 0 {
			if orn, ok := ecs.Get[comp.Orientation](w.reg, comp.TypeOrientation, e); ok {
				s.RebuildRotated(orn.Value)
			}
		}
	})
}

func (w *Worker) runNarrowphase() {
	pairs := w.bphase.Pairs(func(a, b ecs.Entity) bool {
		return w.isProcedural(a) || w.isProcedural(b)
	})
	live := make(map[dynamics.Pair]bool, len(pairs))
	for _, pair := range pairs {
		live[pair] = true
		if _, exists := w.manifolds[pair]; exists {
			continue
		}
		candidates := w.collidePair(pair)
		if len(candidates) == 0 {
			continue
		}
		w.createManifold(pair, candidates)
	}

	for pair, entity := range w.manifolds {
		manifold := ecs.GetPtr[comp.ContactManifold](w.reg, comp.TypeContactManifold, entity)
		if manifold == nil {
			delete(w.manifolds, pair)
			continue
		}
		candidates := w.collidePair(pair)
		if !dynamics.MergeManifold(manifold, candidates) && !live[pair] {
			w.destroyManifold(pair, entity)
		}
	}
}

func (w *Worker) collidePair(pair dynamics.Pair) []dynamics.ContactCandidate {
	shapeA := ecs.GetPtr[comp.Shape](w.reg, comp.TypeShape, pair.A)
	shapeB := ecs.GetPtr[comp.Shape](w.reg, comp.TypeShape, pair.B)
	if shapeA == nil || shapeB == nil {
		return nil
	}
	posA, _ := ecs.Get[comp.Position](w.reg, comp.TypePosition, pair.A)
	ornA, _ := ecs.Get[comp.Orientation](w.reg, comp.TypeOrientation, pair.A)
	posB, _ := ecs.Get[comp.Position](w.reg, comp.TypePosition, pair.B)
	ornB, _ := ecs.Get[comp.Orientation](w.reg, comp.TypeOrientation, pair.B)
	if ornA.Value.LengthSq() == 0 {
		ornA.Value = comp.Orientation{Value: identityQuat()}.Value
	}
	if ornB.Value.LengthSq() == 0 {
		ornB.Value = comp.Orientation{Value: identityQuat()}.Value
	}
	return dynamics.CollideShapes(shapeA, posA.Value, ornA.Value, shapeB, posB.Value, ornB.Value)
}

func (w *Worker) createManifold(pair dynamics.Pair, candidates []dynamics.ContactCandidate) {
	entity := w.reg.Create()
	w.entityCreated(entity)
	manifold := comp.ContactManifold{Body: [2]ecs.Entity{pair.A, pair.B}}
	dynamics.MergeManifold(&manifold, candidates)
	ecs.Set(w.reg, comp.TypeContactManifold, entity, manifold)
	ecs.Set(w.reg, comp.TypeProcedural, entity, comp.Procedural{})
	w.manifolds[pair] = entity
	w.linkEdge(entity, pair.A, pair.B)
}

func (w *Worker) destroyManifold(pair dynamics.Pair, entity ecs.Entity) {
	delete(w.manifolds, pair)
	w.unlinkEdge(entity)
	w.builder.DestroyedEntity(entity)
	w.reg.Destroy(entity)
}

func (w *Worker) finishStep() {
	dt := w.settings.FixedDt
	w.islandTime += dt
	if lag := w.now() - w.islandTime; lag > float64(maxLagSteps)*dt {
		w.islandTime = w.now() - float64(maxLagSteps)*dt
	}

	w.bphase.Update(w.reg)
	w.treeView.Store(w.bphase.View())

	criteria := dynamics.SleepCriteria{
		LinearThresholdSq:  w.settings.LinearSleepThreshold * w.settings.LinearSleepThreshold,
		AngularThresholdSq: w.settings.AngularSleepThreshold * w.settings.AngularSleepThreshold,
	}
	if dynamics.CanSleep(w.reg, criteria) {
		w.sleepTime += dt
		if w.sleepTime >= w.settings.TimeToSleep && !w.sleeping {
			dynamics.PutToSleep(w.reg, w.localIsland)
			w.sleeping = true
		}
	} else {
		w.sleepTime = 0
	}

	if w.settings.PostStep != nil {
		w.settings.PostStep(w.reg)
	}

	w.clearDanglingNodes()
	w.refreshIslandComponent()
	w.sync()
	w.checkSplit()
}

// clearDanglingNodes drops non-procedural bodies whose last procedural
// neighbor left this island. Suppressed: the coordinator still owns them.
func (w *Worker) clearDanglingNodes() {
	var dangling []ecs.Entity
	for entity, idx := range w.nodeIdx {
		if !w.g.NonConnecting(idx) {
			continue
		}
		hasNeighbor := false
		w.g.VisitNeighbors(idx, func(int) { hasNeighbor = true })
		if !hasNeighbor {
			dangling = append(dangling, entity)
		}
	}
	for _, entity := range dangling {
		w.removeNode(entity)
		w.reg.Suppress(func() {
			w.reg.Destroy(entity)
		})
		w.emap.EraseLocal(entity)
	}
}

func (w *Worker) refreshIslandComponent() {
	island := ecs.GetPtr[comp.Island](w.reg, comp.TypeIsland, w.localIsland)
	if island == nil {
		return
	}
	island.Nodes = island.Nodes[:0]
	island.Edges = island.Edges[:0]
	for entity := range w.nodeIdx {
		island.Nodes = append(island.Nodes, entity)
	}
	for entity := range w.edgeIdx {
		island.Edges = append(island.Edges, entity)
	}
	island.Timestamp = w.islandTime
}

// sync emits the step's outbound delta: explicit create/destroy events, all
// AABBs and manifolds, every continuous component, and the dirty set.
func (w *Worker) sync() {
	w.flushEvents()

	ecs.Each(w.reg, comp.TypeAABB, func(e ecs.Entity, box *comp.AABB) {
		w.builder.UpdatedComponent(e, comp.TypeAABB, *box)
	})
	ecs.Each(w.reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		w.builder.UpdatedComponent(e, comp.TypeContactManifold, *m)
	})
	ecs.Each(w.reg, comp.TypeContinuous, func(e ecs.Entity, c *comp.Continuous) {
		for _, t := range c.Types {
			if v, ok := w.reg.GetAny(t, e); ok {
				w.builder.UpdatedComponent(e, t, v)
			}
		}
	})
	w.reg.DrainDirty(func(e ecs.Entity, d *ecs.Dirty) {
		if d.IsNewEntity {
			w.builder.Created(e)
		}
		for _, t := range d.Created {
			if v, ok := w.reg.GetAny(t, e); ok {
				w.builder.CreatedComponent(e, t, v)
			}
		}
		for _, t := range d.Updated {
			if v, ok := w.reg.GetAny(t, e); ok {
				w.builder.UpdatedComponent(e, t, v)
			}
		}
		for _, t := range d.Destroyed {
			w.builder.DestroyedComponent(e, t)
		}
	})

	if !w.builder.Empty() {
		w.out.Push(MsgDelta{Delta: w.builder.Finish()})
	}
}

// flushEvents moves observer-recorded events into the builder. Called at
// the start of the narrow phase so contact creations of this step land in
// the delta before any separating points are destroyed, and again in sync.
func (w *Worker) flushEvents() {
	for _, e := range w.createdEnts {
		w.builder.Created(e)
	}
	w.createdEnts = w.createdEnts[:0]
	for _, ev := range w.createdEvents {
		if v, ok := w.reg.GetAny(ev.t, ev.e); ok {
			w.builder.CreatedComponent(ev.e, ev.t, v)
		}
	}
	w.createdEvents = w.createdEvents[:0]
}

func (w *Worker) checkSplit() {
	if !w.topologyChanged {
		return
	}
	if !w.pendingSplit {
		w.pendingSplit = true
		w.splitTimestamp = w.islandTime
		return
	}
	if w.islandTime-w.splitTimestamp < splitDebounce {
		return
	}
	w.pendingSplit = false
	w.topologyChanged = false
	if len(w.g.ConnectedComponents()) > 1 {
		w.splitting.Store(true)
		w.out.Push(MsgSplitRequest{})
	}
}

// Split runs on the coordinator's goroutine while the worker is parked on
// the splitting flag. It returns the connected components in worker-space
// handles, retains the largest locally, and removes the rest from the
// worker registry without emitting destruction events.
func (w *Worker) Split() [][]ecs.Entity {
	components := w.g.ConnectedComponents()
	result := make([][]ecs.Entity, len(components))
	largest := 0
	for i, component := range components {
		for _, nodeIdx := range component.Nodes {
			result[i] = append(result[i], w.g.NodeEntity(nodeIdx))
		}
		for _, edgeIdx := range component.Edges {
			result[i] = append(result[i], w.g.EdgeEntity(edgeIdx))
		}
		if len(result[i]) > len(result[largest]) {
			largest = i
		}
	}

	for i, entities := range result {
		if i == largest {
			continue
		}
		for _, entity := range entities {
			if _, shared := w.nodeIdx[entity]; shared && w.g.NonConnecting(w.nodeIdx[entity]) {
				// A non-connecting node may also belong to the retained
				// component; only drop it when it does not.
				if w.nodeInComponent(entity, components[largest]) {
					continue
				}
			}
			if _, ok := w.edgeIdx[entity]; ok {
				w.unlinkEdge(entity)
			}
			if _, ok := w.nodeIdx[entity]; ok {
				w.removeNode(entity)
			}
			w.reg.Suppress(func() {
				w.reg.Destroy(entity)
			})
			w.emap.EraseLocal(entity)
			for pair, manifoldEntity := range w.manifolds {
				if manifoldEntity == entity {
					delete(w.manifolds, pair)
				}
			}
		}
	}
	w.refreshIslandComponent()
	return result
}

func (w *Worker) nodeInComponent(entity ecs.Entity, component graph.Component) bool {
	for _, nodeIdx := range component.Nodes {
		if w.g.NodeEntity(nodeIdx) == entity {
			return true
		}
	}
	return false
}

// FinishSplit re-enables stepping after the coordinator completes the split
// protocol.
func (w *Worker) FinishSplit() {
	w.topologyChanged = false
	w.pendingSplit = false
	w.splitting.Store(false)
	w.Reschedule()
}
