package dynamics

import (
	"sort"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

// TreeNode is one leaf of a tree view: an entity with its world bounds.
type TreeNode struct {
	Entity ecs.Entity `json:"entity"`
	AABB   vmath.AABB `json:"aabb"`
}

// TreeView is an immutable snapshot of the broad-phase structure. Workers
// refresh it once per step; the coordinator and the server query it without
// touching worker state.
type TreeView struct {
	nodes []TreeNode
}

// Query calls visit for every node whose bounds intersect the box.
func (t *TreeView) Query(box vmath.AABB, visit func(TreeNode)) {
	if t == nil {
		return
	}
	for _, n := range t.nodes {
		if n.AABB.Intersects(box) {
			visit(n)
		}
	}
}

// Each visits all nodes.
func (t *TreeView) Each(visit func(TreeNode)) {
	if t == nil {
		return
	}
	for _, n := range t.nodes {
		visit(n)
	}
}

// Len returns the leaf count.
func (t *TreeView) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Pair is a broad-phase candidate, ordered so A has the lower entity ID.
type Pair struct {
	A ecs.Entity
	B ecs.Entity
}

// Broadphase maintains the sorted interval structure over body AABBs and
// produces intersecting candidate pairs.
type Broadphase struct {
	nodes []TreeNode
}

func NewBroadphase() *Broadphase {
	return &Broadphase{}
}

// Update rebuilds the structure from the registry's AABB column. Entries are
// sorted by min X, then entity ID, keeping pair order reproducible.
func (b *Broadphase) Update(r *ecs.Registry) {
	b.nodes = b.nodes[:0]
	ecs.Each(r, comp.TypeAABB, func(e ecs.Entity, box *comp.AABB) {
		b.nodes = append(b.nodes, TreeNode{Entity: e, AABB: box.Value})
	})
	sort.Slice(b.nodes, func(i, j int) bool {
		if b.nodes[i].AABB.Min.X != b.nodes[j].AABB.Min.X {
			return b.nodes[i].AABB.Min.X < b.nodes[j].AABB.Min.X
		}
		return b.nodes[i].Entity.ID < b.nodes[j].Entity.ID
	})
}

// Pairs sweeps the sorted intervals and returns intersecting pairs. Pairs of
// two non-dynamic bodies are skipped by the caller's filter.
func (b *Broadphase) Pairs(filter func(a, c ecs.Entity) bool) []Pair {
	var pairs []Pair
	for i := 0; i < len(b.nodes); i++ {
		for j := i + 1; j < len(b.nodes); j++ {
			if b.nodes[j].AABB.Min.X > b.nodes[i].AABB.Max.X {
				break
			}
			if !b.nodes[i].AABB.Intersects(b.nodes[j].AABB) {
				continue
			}
			a, c := b.nodes[i].Entity, b.nodes[j].Entity
			if a.ID > c.ID {
				a, c = c, a
			}
			if filter == nil || filter(a, c) {
				pairs = append(pairs, Pair{A: a, B: c})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A.ID != pairs[j].A.ID {
			return pairs[i].A.ID < pairs[j].A.ID
		}
		return pairs[i].B.ID < pairs[j].B.ID
	})
	return pairs
}

// View snapshots the current structure.
func (b *Broadphase) View() *TreeView {
	nodes := make([]TreeNode, len(b.nodes))
	copy(nodes, b.nodes)
	return &TreeView{nodes: nodes}
}
