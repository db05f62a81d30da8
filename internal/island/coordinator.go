package island

import (
	"fmt"
	"sort"
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/delta"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/graph"
	"stonefall/engine/internal/telemetry"
	"stonefall/engine/internal/vmath"
)

// WorkerHandle is the coordinator's view of one island worker: the queue
// pair, the handle translation map, and the pending outbound builder.
type WorkerHandle struct {
	Worker  *Worker
	In      *Queue
	Out     *Queue
	emap    *ecs.EntityMap // worker handle -> coordinator handle
	builder *delta.Builder
}

// Coordinator owns the authoritative world registry and the entity graph,
// assigns entities to islands, merges and splits them, and routes deltas.
// Every method must be called from the main goroutine.
type Coordinator struct {
	reg        *ecs.Registry
	g          *graph.Graph
	dispatcher *Dispatcher
	settings   Settings
	workers    map[ecs.Entity]*WorkerHandle
	bphase     *dynamics.Broadphase
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	now        func() float64
}

// CoordinatorConfig wires the coordinator's dependencies.
type CoordinatorConfig struct {
	Settings   Settings
	Dispatcher *Dispatcher
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Now        func() float64
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = WallClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher(0)
	}
	if cfg.Settings.FixedDt <= 0 {
		cfg.Settings.FixedDt = DefaultSettings().FixedDt
	}
	c := &Coordinator{
		reg:        ecs.NewRegistry(),
		g:          graph.New(),
		dispatcher: cfg.Dispatcher,
		settings:   cfg.Settings,
		workers:    make(map[ecs.Entity]*WorkerHandle),
		bphase:     dynamics.NewBroadphase(),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
	comp.RegisterAll(c.reg)
	return c
}

// Registry exposes the authoritative store. Main goroutine only.
func (c *Coordinator) Registry() *ecs.Registry { return c.reg }

// Graph exposes the entity graph. Main goroutine only.
func (c *Coordinator) Graph() *graph.Graph { return c.g }

// Settings returns the current configuration snapshot.
func (c *Coordinator) Settings() Settings { return c.settings }

// IslandCount returns the number of live islands.
func (c *Coordinator) IslandCount() int { return len(c.workers) }

// Islands returns the island entities in ID order.
func (c *Coordinator) Islands() []ecs.Entity {
	islands := make([]ecs.Entity, 0, len(c.workers))
	for island := range c.workers {
		islands = append(islands, island)
	}
	sort.Slice(islands, func(i, j int) bool { return islands[i].ID < islands[j].ID })
	return islands
}

// WorkerOf returns the handle for an island entity.
func (c *Coordinator) WorkerOf(island ecs.Entity) (*WorkerHandle, bool) {
	wh, ok := c.workers[island]
	return wh, ok
}

// BodyDef describes a body to create.
type BodyDef struct {
	Kind         comp.Kind
	Position     vmath.Vec3
	Orientation  vmath.Quat
	LinVel       vmath.Vec3
	AngVel       vmath.Vec3
	Mass         float64
	Shape        *comp.Shape
	Material     *comp.Material
	Gravity      *vmath.Vec3
	CenterOfMass vmath.Vec3
	Networked    bool
	NoSleep      bool
}

// MakeBody creates a body in the main registry, inserts its graph node and
// assigns it to an island (spawning a worker for a lone procedural body).
func (c *Coordinator) MakeBody(def BodyDef) ecs.Entity {
	e := c.reg.Create()
	orn := def.Orientation
	if orn.LengthSq() == 0 {
		orn = vmath.QuatIdentity()
	}
	ecs.Set(c.reg, comp.TypeBodyKind, e, comp.BodyKind{Kind: def.Kind})
	ecs.Set(c.reg, comp.TypePosition, e, comp.Position{Value: def.Position})
	ecs.Set(c.reg, comp.TypeOrientation, e, comp.Orientation{Value: orn})

	procedural := def.Kind == comp.KindDynamic
	if def.Kind == comp.KindDynamic || def.Kind == comp.KindKinematic {
		ecs.Set(c.reg, comp.TypeLinVel, e, comp.LinVel{Value: def.LinVel})
		ecs.Set(c.reg, comp.TypeAngVel, e, comp.AngVel{Value: def.AngVel})
	}
	if def.Kind == comp.KindDynamic && def.Mass > 0 {
		ecs.Set(c.reg, comp.TypeMass, e, comp.Mass{Value: def.Mass, Inv: 1 / def.Mass})
		if def.Shape != nil {
			diag := shapeInertia(def.Mass, def.Shape)
			ecs.Set(c.reg, comp.TypeInertia, e, comp.Inertia{
				Local:    diag,
				InvLocal: invDiag(diag),
			})
		}
	} else {
		ecs.Set(c.reg, comp.TypeMass, e, comp.Mass{})
	}
	if def.Shape != nil {
		ecs.Set(c.reg, comp.TypeShape, e, *def.Shape)
	}
	if def.Material != nil {
		ecs.Set(c.reg, comp.TypeMaterial, e, *def.Material)
	}
	if def.Gravity != nil && def.Kind == comp.KindDynamic {
		ecs.Set(c.reg, comp.TypeGravity, e, comp.Gravity{Value: *def.Gravity})
	}
	if def.CenterOfMass.LengthSq() > 0 {
		ecs.Set(c.reg, comp.TypeCenterOfMass, e, comp.CenterOfMass{Value: def.CenterOfMass})
	}
	if procedural {
		ecs.Set(c.reg, comp.TypeProcedural, e, comp.Procedural{})
		continuous := comp.Continuous{}
		continuous.Insert(comp.TypePosition, comp.TypeOrientation, comp.TypeLinVel, comp.TypeAngVel)
		ecs.Set(c.reg, comp.TypeContinuous, e, continuous)
	}
	if def.Networked {
		ecs.Set(c.reg, comp.TypeNetworked, e, comp.Networked{})
	}
	if def.NoSleep {
		ecs.Set(c.reg, comp.TypeSleepingDisabled, e, comp.SleepingDisabled{})
	}
	dynamics.RefreshDerived(c.reg, e)

	nodeIdx := c.g.InsertNode(e, !procedural)
	ecs.Set(c.reg, comp.TypeGraphNode, e, comp.GraphNode{NodeIndex: nodeIdx})

	c.assignBodyToIsland(e, procedural)
	return e
}

// MakeConstraint creates a constraint edge between two bodies. Both bodies
// must carry graph nodes; that is a documented precondition.
func (c *Coordinator) MakeConstraint(def comp.Constraint) (ecs.Entity, error) {
	nodeA, okA := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, def.Body[0])
	nodeB, okB := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, def.Body[1])
	if !okA || !okB {
		return ecs.Null, fmt.Errorf("constraint %s references a body without a graph node", def.Kind)
	}
	e := c.reg.Create()
	ecs.Set(c.reg, comp.TypeConstraint, e, def)
	ecs.Set(c.reg, comp.TypeProcedural, e, comp.Procedural{})
	edgeIdx := c.g.InsertEdge(e, nodeA.NodeIndex, nodeB.NodeIndex)
	ecs.Set(c.reg, comp.TypeGraphEdge, e, comp.GraphEdge{EdgeIndex: edgeIdx})

	c.assignEdgeToIsland(e, def.Body[0], def.Body[1])
	return e, nil
}

// DestroyBody cascades: the node goes, every incident edge goes, and every
// constraint or manifold entity bound to those edges goes with them.
func (c *Coordinator) DestroyBody(e ecs.Entity) {
	node, ok := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, e)
	if !ok {
		return
	}
	var edgeEntities []ecs.Entity
	c.g.VisitEdges(node.NodeIndex, func(edgeIdx int) {
		if entity := c.g.EdgeEntity(edgeIdx); !entity.IsNull() {
			edgeEntities = append(edgeEntities, entity)
		}
	})
	for _, edgeEntity := range edgeEntities {
		c.DestroyConstraint(edgeEntity)
	}
	c.routeDestruction(e)
	c.g.RemoveNode(node.NodeIndex)
	c.reg.Destroy(e)
}

// DestroyEntity routes to the right cascade for the entity's role: body,
// constraint edge, or plain entity.
func (c *Coordinator) DestroyEntity(e ecs.Entity) {
	switch {
	case c.reg.Has(comp.TypeGraphNode, e):
		c.DestroyBody(e)
	case c.reg.Has(comp.TypeGraphEdge, e):
		c.DestroyConstraint(e)
	default:
		c.routeDestruction(e)
		c.reg.Destroy(e)
	}
}

// DestroyConstraint removes a constraint or manifold entity and its edge.
func (c *Coordinator) DestroyConstraint(e ecs.Entity) {
	edge, ok := ecs.Get[comp.GraphEdge](c.reg, comp.TypeGraphEdge, e)
	if !ok {
		return
	}
	c.routeDestruction(e)
	c.g.RemoveEdge(edge.EdgeIndex)
	c.reg.Destroy(e)
}

// routeDestruction records a destroy event in every owning island's
// builder, before the components disappear.
func (c *Coordinator) routeDestruction(e ecs.Entity) {
	for _, island := range c.islandsOf(e) {
		if wh, ok := c.workers[island]; ok {
			wh.builder.DestroyedEntity(e)
		}
	}
}

// SetCenterOfMass updates the authoritative value and forwards it to the
// owning worker so derived state refreshes there too.
func (c *Coordinator) SetCenterOfMass(e ecs.Entity, com vmath.Vec3) {
	ecs.Set(c.reg, comp.TypeCenterOfMass, e, comp.CenterOfMass{Value: com})
	dynamics.RefreshDerived(c.reg, e)
	for _, island := range c.islandsOf(e) {
		if wh, ok := c.workers[island]; ok {
			wh.In.Push(MsgSetCOM{Entity: e, COM: com})
			wh.Worker.Reschedule()
		}
	}
}

// Refresh marks components of e dirty so the next tick ships their current
// values to the owning workers.
func (c *Coordinator) Refresh(e ecs.Entity, types ...ecs.TypeID) {
	c.reg.MarkUpdated(e, types...)
}

// WakeUpIsland wakes every island the entity belongs to.
func (c *Coordinator) WakeUpIsland(e ecs.Entity) {
	for _, island := range c.islandsOf(e) {
		c.wakeIsland(island)
	}
}

func (c *Coordinator) wakeIsland(island ecs.Entity) {
	wh, ok := c.workers[island]
	if !ok {
		return
	}
	c.reg.RemoveComponent(comp.TypeSleeping, island)
	wh.In.Push(MsgWakeUp{})
	wh.Worker.Reschedule()
}

// SendIslandMessage posts a message to one island's worker.
func (c *Coordinator) SendIslandMessage(island ecs.Entity, m Message) error {
	wh, ok := c.workers[island]
	if !ok {
		return fmt.Errorf("no worker for island %v", island)
	}
	wh.In.Push(m)
	wh.Worker.Reschedule()
	return nil
}

// SetPaused toggles stepping engine-wide.
func (c *Coordinator) SetPaused(paused bool) {
	c.settings.Paused = paused
	for _, wh := range c.workers {
		wh.In.Push(MsgSetPaused{Paused: paused})
		wh.Worker.Reschedule()
	}
}

// StepSimulation forces one fixed step on every island while paused.
func (c *Coordinator) StepSimulation() {
	for _, wh := range c.workers {
		wh.In.Push(MsgStepSimulation{})
		wh.Worker.Reschedule()
	}
}

// UpdateSettings replaces the settings snapshot everywhere.
func (c *Coordinator) UpdateSettings(s Settings) {
	c.settings = s
	for _, wh := range c.workers {
		wh.In.Push(MsgSetSettings{Settings: s})
		wh.Worker.Reschedule()
	}
}

// Update is the coordinator tick: drain worker output, detect cross-island
// contact, route dirty state, flush per-island deltas.
func (c *Coordinator) Update() {
	for _, island := range c.Islands() {
		wh, ok := c.workers[island]
		if !ok {
			// Merged away while processing an earlier worker's output.
			continue
		}
		for _, msg := range wh.Out.Drain() {
			switch m := msg.(type) {
			case MsgDelta:
				c.importWorkerDelta(island, wh, &m.Delta)
			case MsgSplitRequest:
				c.splitIsland(island, wh)
			}
		}
	}

	c.detectCrossIslandContact()
	c.routeDirty()

	for _, island := range c.Islands() {
		wh, ok := c.workers[island]
		if !ok || wh.builder.Empty() {
			continue
		}
		wh.In.Push(MsgDelta{Delta: wh.builder.Finish()})
		wh.Worker.Reschedule()
	}
}

// Shutdown terminates every worker and joins them with the timeout.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	for _, wh := range c.workers {
		wh.Worker.Terminate()
	}
	deadline := time.After(timeout)
	for island, wh := range c.workers {
		select {
		case <-wh.Worker.Terminated():
		case <-deadline:
			return fmt.Errorf("timed out waiting for island %v worker", island)
		}
	}
	c.workers = make(map[ecs.Entity]*WorkerHandle)
	return nil
}

func shapeInertia(mass float64, s *comp.Shape) vmath.Vec3 {
	switch s.Kind {
	case comp.ShapeSphere:
		return dynamics.DiagonalInertiaSphere(mass, s.Radius)
	case comp.ShapeBox:
		return dynamics.DiagonalInertiaBox(mass, s.HalfExtents)
	}
	// Fall back to the bounding sphere of the shape's box.
	box := s.BoundingBox(vmath.Vec3{}, vmath.QuatIdentity())
	radius := box.Max.Sub(box.Min).Length() * 0.5
	if radius == 0 {
		radius = 1
	}
	return dynamics.DiagonalInertiaSphere(mass, radius)
}

func invDiag(d vmath.Vec3) vmath.Vec3 {
	inv := vmath.Vec3{}
	if d.X != 0 {
		inv.X = 1 / d.X
	}
	if d.Y != 0 {
		inv.Y = 1 / d.Y
	}
	if d.Z != 0 {
		inv.Z = 1 / d.Z
	}
	return inv
}
