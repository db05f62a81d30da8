package island

import (
	"sort"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/delta"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
)

// islandsOf returns the islands an entity belongs to, single or multi.
func (c *Coordinator) islandsOf(e ecs.Entity) []ecs.Entity {
	if res, ok := ecs.Get[comp.IslandResident](c.reg, comp.TypeIslandResident, e); ok {
		return []ecs.Entity{res.Island}
	}
	if res, ok := ecs.Get[comp.MultiIslandResident](c.reg, comp.TypeMultiIslandResident, e); ok {
		return res.Islands
	}
	return nil
}

// spawnIsland creates an island entity plus its worker and ships nothing
// yet; callers fill the handle's builder.
func (c *Coordinator) spawnIsland() (ecs.Entity, *WorkerHandle) {
	islandEntity := c.reg.Create()
	ecs.Set(c.reg, comp.TypeIsland, islandEntity, comp.Island{})

	in, out := NewQueue(), NewQueue()
	worker := NewWorker(islandEntity, c.settings, c.dispatcher, in, out, c.now)
	wh := &WorkerHandle{
		Worker:  worker,
		In:      in,
		Out:     out,
		emap:    ecs.NewEntityMap(),
		builder: delta.NewBuilder(),
	}
	c.workers[islandEntity] = wh
	c.logger.Printf("island %v spawned", islandEntity)
	if c.metrics != nil {
		c.metrics.Add("islands_spawned", 1)
	}
	return islandEntity, wh
}

// assignBodyToIsland places a fresh body. A procedural body with no
// neighbors founds a new island; a non-procedural one waits until an edge
// connects it to a procedural body.
func (c *Coordinator) assignBodyToIsland(e ecs.Entity, procedural bool) {
	if !procedural {
		return
	}
	islandEntity, wh := c.spawnIsland()
	ecs.Set(c.reg, comp.TypeIslandResident, e, comp.IslandResident{Island: islandEntity})
	wh.builder.CreatedAll(e, c.reg)
	wh.In.Push(MsgDelta{Delta: wh.builder.Finish()})
	wh.Worker.Reschedule()
}

// assignEdgeToIsland places a fresh constraint or manifold edge, merging
// islands when it bridges two and pulling non-procedural endpoints in as
// multi-island residents.
func (c *Coordinator) assignEdgeToIsland(e ecs.Entity, bodyA, bodyB ecs.Entity) {
	islands := map[ecs.Entity]bool{}
	for _, body := range []ecs.Entity{bodyA, bodyB} {
		if c.reg.Has(comp.TypeProcedural, body) {
			for _, island := range c.islandsOf(body) {
				islands[island] = true
			}
		}
	}
	distinct := make([]ecs.Entity, 0, len(islands))
	for island := range islands {
		distinct = append(distinct, island)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i].ID < distinct[j].ID })

	var target ecs.Entity
	switch len(distinct) {
	case 0:
		// Both endpoints non-procedural; nothing simulates this edge.
		return
	case 1:
		target = distinct[0]
	default:
		target = c.mergeIslands(distinct)
	}

	ecs.Set(c.reg, comp.TypeIslandResident, e, comp.IslandResident{Island: target})
	wh := c.workers[target]
	for _, body := range []ecs.Entity{bodyA, bodyB} {
		if !c.reg.Has(comp.TypeProcedural, body) {
			c.addMultiResident(body, target, wh)
		}
	}
	wh.builder.CreatedAll(e, c.reg)
	c.wakeIsland(target)
}

// addMultiResident registers a non-procedural body with another island and
// ships it there if new.
func (c *Coordinator) addMultiResident(body, island ecs.Entity, wh *WorkerHandle) {
	res, ok := ecs.Get[comp.MultiIslandResident](c.reg, comp.TypeMultiIslandResident, body)
	if ok {
		for _, existing := range res.Islands {
			if existing == island {
				return
			}
		}
	}
	res.Islands = append(res.Islands, island)
	ecs.Set(c.reg, comp.TypeMultiIslandResident, body, res)
	wh.builder.CreatedAll(body, c.reg)
}

// mergeIslands folds all listed islands into the one with the most
// residents: the smaller islands are drained into the survivor's worker
// and their workers terminate.
func (c *Coordinator) mergeIslands(islands []ecs.Entity) ecs.Entity {
	survivor := islands[0]
	best := c.residentCount(survivor)
	for _, island := range islands[1:] {
		if n := c.residentCount(island); n > best {
			survivor, best = island, n
		}
	}
	survivorHandle := c.workers[survivor]

	for _, island := range islands {
		if island == survivor {
			continue
		}
		wh := c.workers[island]
		// Drain any in-flight output so the final state lands in the
		// main registry before the transfer.
		for _, msg := range wh.Out.Drain() {
			if m, ok := msg.(MsgDelta); ok {
				c.importWorkerDelta(island, wh, &m.Delta)
			}
		}

		for _, e := range c.residentsOf(island) {
			if c.reg.Has(comp.TypeIslandResident, e) {
				ecs.Set(c.reg, comp.TypeIslandResident, e, comp.IslandResident{Island: survivor})
				survivorHandle.builder.CreatedAll(e, c.reg)
			} else {
				c.replaceMultiResident(e, island, survivor)
				survivorHandle.builder.CreatedAll(e, c.reg)
			}
		}

		wh.Worker.Terminate()
		delete(c.workers, island)
		c.reg.Destroy(island)
		c.logger.Printf("island %v merged into %v", island, survivor)
		if c.metrics != nil {
			c.metrics.Add("islands_merged", 1)
		}
	}
	return survivor
}

func (c *Coordinator) replaceMultiResident(e, from, to ecs.Entity) {
	res, ok := ecs.Get[comp.MultiIslandResident](c.reg, comp.TypeMultiIslandResident, e)
	if !ok {
		return
	}
	out := res.Islands[:0]
	hasTo := false
	for _, island := range res.Islands {
		if island == from {
			continue
		}
		if island == to {
			hasTo = true
		}
		out = append(out, island)
	}
	if !hasTo {
		out = append(out, to)
	}
	res.Islands = out
	ecs.Set(c.reg, comp.TypeMultiIslandResident, e, res)
}

// residentsOf lists every entity belonging to the island, procedural
// residents first, then shared non-procedural ones.
func (c *Coordinator) residentsOf(island ecs.Entity) []ecs.Entity {
	var out []ecs.Entity
	ecs.Each(c.reg, comp.TypeIslandResident, func(e ecs.Entity, res *comp.IslandResident) {
		if res.Island == island {
			out = append(out, e)
		}
	})
	ecs.Each(c.reg, comp.TypeMultiIslandResident, func(e ecs.Entity, res *comp.MultiIslandResident) {
		for _, candidate := range res.Islands {
			if candidate == island {
				out = append(out, e)
				return
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) residentCount(island ecs.Entity) int {
	return len(c.residentsOf(island))
}

// importWorkerDelta folds a worker's step results into the main registry.
// Entities the worker created (contact manifolds) get coordinator handles,
// residency, and graph edges; the mapping goes back in the next delta.
func (c *Coordinator) importWorkerDelta(island ecs.Entity, wh *WorkerHandle, d *delta.Delta) {
	// Graph records must go before Import destroys the entities holding
	// the edge and node indices.
	for _, remote := range d.DestroyedEntities {
		local, ok := wh.emap.Local(remote)
		if !ok {
			continue
		}
		if edge, ok := ecs.Get[comp.GraphEdge](c.reg, comp.TypeGraphEdge, local); ok {
			c.g.RemoveEdge(edge.EdgeIndex)
		}
		if node, ok := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, local); ok {
			c.g.RemoveAllEdges(node.NodeIndex)
			c.g.RemoveNode(node.NodeIndex)
		}
	}

	result := delta.Import(c.reg, wh.emap, d)

	for _, local := range result.CreatedLocals {
		if remote, ok := wh.emap.Remote(local); ok {
			wh.builder.InsertMapping(local, remote)
		}
		ecs.Set(c.reg, comp.TypeIslandResident, local, comp.IslandResident{Island: island})
		if manifold, ok := ecs.Get[comp.ContactManifold](c.reg, comp.TypeContactManifold, local); ok {
			c.linkImportedEdge(local, manifold.Body)
		}
		if constraint, ok := ecs.Get[comp.Constraint](c.reg, comp.TypeConstraint, local); ok {
			c.linkImportedEdge(local, constraint.Body)
		}
	}
	if len(result.DestroyedLocals) > 0 {
		c.cleanupDeadGraphRecords()
	}
}

// linkImportedEdge inserts a coordinator graph edge for a worker-created
// constraint or manifold, merging islands if it bridges them.
func (c *Coordinator) linkImportedEdge(e ecs.Entity, bodies [2]ecs.Entity) {
	if c.reg.Has(comp.TypeGraphEdge, e) {
		return
	}
	nodeA, okA := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, bodies[0])
	nodeB, okB := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, bodies[1])
	if !okA || !okB {
		return
	}
	edgeIdx := c.g.InsertEdge(e, nodeA.NodeIndex, nodeB.NodeIndex)
	ecs.Set(c.reg, comp.TypeGraphEdge, e, comp.GraphEdge{EdgeIndex: edgeIdx})
	ecs.Set(c.reg, comp.TypeProcedural, e, comp.Procedural{})
	c.assignEdgeToIsland(e, bodies[0], bodies[1])
}

// cleanupDeadGraphRecords removes graph edges whose endpoints a worker
// delta destroyed. The edge index lives on the destroyed entity, so sweep
// the live edges for orphaned endpoints instead.
func (c *Coordinator) cleanupDeadGraphRecords() {
	ecs.Each(c.reg, comp.TypeGraphEdge, func(e ecs.Entity, edge *comp.GraphEdge) {
		entityA, entityB := c.g.EdgeNodeEntities(edge.EdgeIndex)
		if !c.reg.Alive(entityA) || !c.reg.Alive(entityB) {
			c.g.RemoveEdge(edge.EdgeIndex)
		}
	})
}

// detectCrossIslandContact runs the coordinator broad phase and creates an
// empty manifold edge for AABB overlaps that cross island boundaries. The
// resulting merge hands both bodies to a single worker, whose narrow phase
// then produces the real contact points.
func (c *Coordinator) detectCrossIslandContact() {
	c.bphase.Update(c.reg)
	pairs := c.bphase.Pairs(func(a, b ecs.Entity) bool {
		if !c.reg.Has(comp.TypeProcedural, a) && !c.reg.Has(comp.TypeProcedural, b) {
			return false
		}
		nodeA, okA := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, a)
		nodeB, okB := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, b)
		if !okA || !okB {
			return false
		}
		if c.g.HasAdjacency(nodeA.NodeIndex, nodeB.NodeIndex) {
			return false
		}
		return !c.sameSingleIsland(a, b)
	})
	for _, pair := range pairs {
		c.makeContactEdge(pair.A, pair.B)
	}
}

// sameSingleIsland reports whether both bodies already live in exactly the
// same island, in which case the worker's own broad phase covers the pair.
func (c *Coordinator) sameSingleIsland(a, b ecs.Entity) bool {
	islandsA := c.islandsOf(a)
	islandsB := c.islandsOf(b)
	if len(islandsA) != 1 || len(islandsB) != 1 {
		// A non-procedural body shared across islands still pairs inside
		// each worker holding it.
		for _, ia := range islandsA {
			for _, ib := range islandsB {
				if ia == ib {
					return true
				}
			}
		}
		return false
	}
	return islandsA[0] == islandsB[0]
}

func (c *Coordinator) makeContactEdge(a, b ecs.Entity) {
	nodeA, _ := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, a)
	nodeB, _ := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, b)

	e := c.reg.Create()
	ecs.Set(c.reg, comp.TypeContactManifold, e, comp.ContactManifold{
		Body:                [2]ecs.Entity{a, b},
		SeparationThreshold: dynamics.SeparationThreshold,
	})
	ecs.Set(c.reg, comp.TypeProcedural, e, comp.Procedural{})
	edgeIdx := c.g.InsertEdge(e, nodeA.NodeIndex, nodeB.NodeIndex)
	ecs.Set(c.reg, comp.TypeGraphEdge, e, comp.GraphEdge{EdgeIndex: edgeIdx})
	c.assignEdgeToIsland(e, a, b)
}

// Adopt inserts graph records and island residency for an entity the
// network layer created directly in the main registry from imported pools.
func (c *Coordinator) Adopt(e ecs.Entity) {
	if c.reg.Has(comp.TypeGraphNode, e) || c.reg.Has(comp.TypeGraphEdge, e) {
		return
	}
	if c.reg.Has(comp.TypeBodyKind, e) {
		procedural := c.reg.Has(comp.TypeProcedural, e)
		nodeIdx := c.g.InsertNode(e, !procedural)
		ecs.Set(c.reg, comp.TypeGraphNode, e, comp.GraphNode{NodeIndex: nodeIdx})
		if procedural && !c.reg.Has(comp.TypeContinuous, e) {
			continuous := comp.Continuous{}
			continuous.Insert(comp.TypePosition, comp.TypeOrientation, comp.TypeLinVel, comp.TypeAngVel)
			ecs.Set(c.reg, comp.TypeContinuous, e, continuous)
		}
		dynamics.RefreshDerived(c.reg, e)
		c.assignBodyToIsland(e, procedural)
		return
	}
	if constraint, ok := ecs.Get[comp.Constraint](c.reg, comp.TypeConstraint, e); ok {
		nodeA, okA := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, constraint.Body[0])
		nodeB, okB := ecs.Get[comp.GraphNode](c.reg, comp.TypeGraphNode, constraint.Body[1])
		if !okA || !okB {
			return
		}
		edgeIdx := c.g.InsertEdge(e, nodeA.NodeIndex, nodeB.NodeIndex)
		ecs.Set(c.reg, comp.TypeGraphEdge, e, comp.GraphEdge{EdgeIndex: edgeIdx})
		c.assignEdgeToIsland(e, constraint.Body[0], constraint.Body[1])
	}
}

// routeDirty distributes user mutations recorded since the last tick into
// the owning islands' builders.
func (c *Coordinator) routeDirty() {
	c.reg.DrainDirty(func(e ecs.Entity, d *ecs.Dirty) {
		for _, island := range c.islandsOf(e) {
			wh, ok := c.workers[island]
			if !ok {
				continue
			}
			if d.IsNewEntity {
				wh.builder.CreatedAll(e, c.reg)
				continue
			}
			for _, t := range d.Created {
				if v, ok := c.reg.GetAny(t, e); ok {
					wh.builder.CreatedComponent(e, t, v)
				}
			}
			for _, t := range d.Updated {
				if v, ok := c.reg.GetAny(t, e); ok {
					wh.builder.UpdatedComponent(e, t, v)
				}
			}
			for _, t := range d.Destroyed {
				wh.builder.DestroyedComponent(e, t)
			}
		}
	})
}

// splitIsland executes the split protocol: the worker is parked on its
// splitting flag, so calling into its registry from this goroutine is safe.
func (c *Coordinator) splitIsland(island ecs.Entity, wh *WorkerHandle) {
	parts := wh.Worker.Split()
	if len(parts) <= 1 {
		wh.Worker.FinishSplit()
		return
	}

	largest := 0
	for i := range parts {
		if len(parts[i]) > len(parts[largest]) {
			largest = i
		}
	}

	for i, part := range parts {
		if i == largest {
			continue
		}
		newIsland, newHandle := c.spawnIsland()
		for _, workerHandleEntity := range part {
			coordEntity, ok := wh.emap.Local(workerHandleEntity)
			if !ok {
				continue
			}
			if c.reg.Has(comp.TypeIslandResident, coordEntity) {
				ecs.Set(c.reg, comp.TypeIslandResident, coordEntity, comp.IslandResident{Island: newIsland})
				wh.emap.EraseLocal(coordEntity)
			} else {
				c.replaceMultiResident(coordEntity, island, newIsland)
			}
			newHandle.builder.CreatedAll(coordEntity, c.reg)
		}
		newHandle.In.Push(MsgDelta{Delta: newHandle.builder.Finish()})
		newHandle.Worker.Reschedule()
		c.logger.Printf("island %v split part -> %v", island, newIsland)
		if c.metrics != nil {
			c.metrics.Add("islands_split", 1)
		}
	}
	wh.Worker.FinishSplit()
}
