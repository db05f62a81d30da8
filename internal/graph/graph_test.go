package graph

import (
	"reflect"
	"testing"

	"stonefall/engine/internal/ecs"
)

func entity(id uint32) ecs.Entity {
	return ecs.Entity{ID: id, Gen: 1}
}

func TestIndexStabilityAndRecycling(t *testing.T) {
	g := New()
	a := g.InsertNode(entity(1), false)
	b := g.InsertNode(entity(2), false)
	c := g.InsertNode(entity(3), false)

	g.RemoveNode(b)
	if got := g.NodeEntity(a); got != entity(1) {
		t.Fatalf("node %d moved: %v", a, got)
	}
	if got := g.NodeEntity(c); got != entity(3) {
		t.Fatalf("node %d moved: %v", c, got)
	}
	if reused := g.InsertNode(entity(4), false); reused != b {
		t.Fatalf("expected recycled index %d, got %d", b, reused)
	}
}

func TestAdjacencyAndEdgeRemoval(t *testing.T) {
	g := New()
	a := g.InsertNode(entity(1), false)
	b := g.InsertNode(entity(2), false)
	e1 := g.InsertEdge(entity(10), a, b)
	e2 := g.InsertEdge(entity(11), a, b) // parallel edge

	if !g.HasAdjacency(a, b) {
		t.Fatalf("expected adjacency between %d and %d", a, b)
	}
	ea, eb := g.EdgeNodeEntities(e1)
	if ea != entity(1) || eb != entity(2) {
		t.Fatalf("edge endpoints = %v, %v", ea, eb)
	}

	g.RemoveEdge(e1)
	if !g.HasAdjacency(a, b) {
		t.Fatalf("parallel edge %d should keep adjacency", e2)
	}
	g.RemoveAllEdges(a)
	if g.HasAdjacency(a, b) {
		t.Fatalf("adjacency should be gone after RemoveAllEdges")
	}
	if g.EdgeCount() != 0 {
		t.Fatalf("expected zero edges, got %d", g.EdgeCount())
	}
}

func TestConnectedComponentsNonConnecting(t *testing.T) {
	g := New()
	// Two procedural nodes joined only through a non-connecting node are
	// separate components; the shared node appears in both.
	p1 := g.InsertNode(entity(1), false)
	p2 := g.InsertNode(entity(2), false)
	shared := g.InsertNode(entity(3), true)
	g.InsertEdge(entity(10), p1, shared)
	g.InsertEdge(entity(11), p2, shared)

	components := g.ConnectedComponents()
	if len(components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(components))
	}
	for i, component := range components {
		found := false
		for _, n := range component.Nodes {
			if n == shared {
				found = true
			}
		}
		if !found {
			t.Fatalf("component %d missing shared non-connecting node", i)
		}
	}
	if g.IsSingleConnectedComponent() {
		t.Fatalf("graph must not be a single component")
	}
}

func TestConnectedComponentsDirectLink(t *testing.T) {
	g := New()
	p1 := g.InsertNode(entity(1), false)
	p2 := g.InsertNode(entity(2), false)
	p3 := g.InsertNode(entity(3), false)
	g.InsertEdge(entity(10), p1, p2)

	components := g.ConnectedComponents()
	if len(components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(components))
	}
	if len(components[0].Nodes) != 2 || len(components[1].Nodes) != 1 {
		t.Fatalf("unexpected partition: %+v", components)
	}
	if components[1].Nodes[0] != p3 {
		t.Fatalf("expected lone node %d, got %d", p3, components[1].Nodes[0])
	}
}

func TestBFSDeterminism(t *testing.T) {
	build := func() *Graph {
		g := New()
		nodes := make([]int, 6)
		for i := range nodes {
			nodes[i] = g.InsertNode(entity(uint32(i+1)), i == 3)
		}
		g.InsertEdge(entity(10), nodes[0], nodes[1])
		g.InsertEdge(entity(11), nodes[1], nodes[2])
		g.InsertEdge(entity(12), nodes[2], nodes[3])
		g.InsertEdge(entity(13), nodes[4], nodes[5])
		return g
	}
	first := build().ConnectedComponents()
	second := build().ConnectedComponents()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("BFS must be deterministic given insertion order:\n%+v\n%+v", first, second)
	}
}

func TestVisitEdges(t *testing.T) {
	g := New()
	a := g.InsertNode(entity(1), false)
	b := g.InsertNode(entity(2), false)
	c := g.InsertNode(entity(3), false)
	g.InsertEdge(entity(10), a, b)
	g.InsertEdge(entity(11), a, c)

	var visited []ecs.Entity
	g.VisitEdges(a, func(edgeIdx int) {
		visited = append(visited, g.EdgeEntity(edgeIdx))
	})
	if len(visited) != 2 || visited[0] != entity(10) || visited[1] != entity(11) {
		t.Fatalf("expected insertion-order visit, got %v", visited)
	}

	var neighbors []int
	g.VisitNeighbors(a, func(n int) { neighbors = append(neighbors, n) })
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %v", neighbors)
	}
}
