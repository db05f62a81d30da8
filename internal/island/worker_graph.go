package island

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/dynamics"
	"stonefall/engine/internal/ecs"
)

// refreshGraph reconciles the worker's private graph with the registry
// after a delta import: bodies get nodes, constraints and manifolds get
// edges. Inserts and removals mark the topology changed for split
// detection.
func (w *Worker) refreshGraph() {
	ecs.Each(w.reg, comp.TypeBodyKind, func(e ecs.Entity, _ *comp.BodyKind) {
		if _, ok := w.nodeIdx[e]; ok {
			return
		}
		nonConnecting := !w.isProcedural(e)
		w.nodeIdx[e] = w.g.InsertNode(e, nonConnecting)
		w.topologyChanged = true
	})

	link := func(e ecs.Entity, bodies [2]ecs.Entity) {
		if _, ok := w.edgeIdx[e]; ok {
			return
		}
		w.linkEdge(e, bodies[0], bodies[1])
	}
	ecs.Each(w.reg, comp.TypeConstraint, func(e ecs.Entity, c *comp.Constraint) {
		link(e, c.Body)
	})
	ecs.Each(w.reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		link(e, m.Body)
		// Imported manifolds join the pair table so the narrow phase
		// updates them instead of duplicating the pair.
		pair := normalizePair(m.Body[0], m.Body[1])
		if _, ok := w.manifolds[pair]; !ok {
			w.manifolds[pair] = e
		}
	})

	// Drop graph records whose entities were destroyed by the import.
	for e := range w.edgeIdx {
		if !w.reg.Alive(e) {
			w.unlinkEdge(e)
		}
	}
	for e := range w.nodeIdx {
		if !w.reg.Alive(e) {
			w.removeNode(e)
		}
	}
}

func normalizePair(a, b ecs.Entity) dynamics.Pair {
	if a.ID > b.ID {
		a, b = b, a
	}
	return dynamics.Pair{A: a, B: b}
}

func (w *Worker) isProcedural(e ecs.Entity) bool {
	return w.reg.Has(comp.TypeProcedural, e)
}

func (w *Worker) linkEdge(e ecs.Entity, bodyA, bodyB ecs.Entity) {
	nodeA, okA := w.nodeIdx[bodyA]
	nodeB, okB := w.nodeIdx[bodyB]
	if !okA || !okB {
		return
	}
	w.edgeIdx[e] = w.g.InsertEdge(e, nodeA, nodeB)
	w.topologyChanged = true
}

func (w *Worker) unlinkEdge(e ecs.Entity) {
	if idx, ok := w.edgeIdx[e]; ok {
		w.g.RemoveEdge(idx)
		delete(w.edgeIdx, e)
		w.topologyChanged = true
	}
}

func (w *Worker) removeNode(e ecs.Entity) {
	if idx, ok := w.nodeIdx[e]; ok {
		w.g.RemoveAllEdges(idx)
		w.g.RemoveNode(idx)
		delete(w.nodeIdx, e)
		w.topologyChanged = true
	}
}

// forgetEntity clears every worker-side record of a destroyed entity.
func (w *Worker) forgetEntity(e ecs.Entity) {
	w.unlinkEdge(e)
	w.removeNode(e)
	for pair, manifoldEntity := range w.manifolds {
		if manifoldEntity == e {
			delete(w.manifolds, pair)
		}
	}
}
