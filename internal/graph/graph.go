// Package graph implements the undirected multigraph over entities in which
// bodies are nodes and constraints are edges. Connectivity drives island
// partitioning: a connected component of connecting (procedural) nodes plus
// its non-connecting neighbors is one island.
package graph

import "stonefall/engine/internal/ecs"

// NullIndex marks an unused node or edge slot.
const NullIndex = -1

type node struct {
	entity        ecs.Entity
	nonConnecting bool
	edges         []int
	alive         bool
}

type edge struct {
	entity ecs.Entity
	nodeA  int
	nodeB  int
	alive  bool
}

// Graph stores nodes and edges in index-stable arenas. Removed indices are
// recycled; indices of unrelated items never move.
type Graph struct {
	nodes     []node
	freeNodes []int
	edges     []edge
	freeEdges []int
}

func New() *Graph {
	return &Graph{}
}

// InsertNode adds a node for the entity and returns its stable index. A
// non-connecting node does not propagate connectivity between its neighbors.
func (g *Graph) InsertNode(entity ecs.Entity, nonConnecting bool) int {
	n := node{entity: entity, nonConnecting: nonConnecting, alive: true}
	if count := len(g.freeNodes); count > 0 {
		idx := g.freeNodes[count-1]
		g.freeNodes = g.freeNodes[:count-1]
		n.edges = g.nodes[idx].edges[:0]
		g.nodes[idx] = n
		return idx
	}
	g.nodes = append(g.nodes, n)
	return len(g.nodes) - 1
}

// RemoveNode retires the node index. All incident edges must have been
// removed first; violating that is a caller bug.
func (g *Graph) RemoveNode(idx int) {
	if !g.nodeAlive(idx) {
		return
	}
	g.nodes[idx].alive = false
	g.nodes[idx].entity = ecs.Null
	g.freeNodes = append(g.freeNodes, idx)
}

// InsertEdge connects two node indices and returns the edge's stable index.
func (g *Graph) InsertEdge(entity ecs.Entity, nodeA, nodeB int) int {
	e := edge{entity: entity, nodeA: nodeA, nodeB: nodeB, alive: true}
	var idx int
	if count := len(g.freeEdges); count > 0 {
		idx = g.freeEdges[count-1]
		g.freeEdges = g.freeEdges[:count-1]
		g.edges[idx] = e
	} else {
		g.edges = append(g.edges, e)
		idx = len(g.edges) - 1
	}
	g.nodes[nodeA].edges = append(g.nodes[nodeA].edges, idx)
	if nodeB != nodeA {
		g.nodes[nodeB].edges = append(g.nodes[nodeB].edges, idx)
	}
	return idx
}

// RemoveEdge retires the edge index and unlinks it from both endpoints.
func (g *Graph) RemoveEdge(idx int) {
	if !g.edgeAlive(idx) {
		return
	}
	e := g.edges[idx]
	g.unlinkEdge(e.nodeA, idx)
	if e.nodeB != e.nodeA {
		g.unlinkEdge(e.nodeB, idx)
	}
	g.edges[idx].alive = false
	g.edges[idx].entity = ecs.Null
	g.freeEdges = append(g.freeEdges, idx)
}

func (g *Graph) unlinkEdge(nodeIdx, edgeIdx int) {
	edges := g.nodes[nodeIdx].edges
	for i, candidate := range edges {
		if candidate == edgeIdx {
			g.nodes[nodeIdx].edges = append(edges[:i], edges[i+1:]...)
			return
		}
	}
}

// RemoveAllEdges removes every edge incident to the node.
func (g *Graph) RemoveAllEdges(nodeIdx int) {
	if !g.nodeAlive(nodeIdx) {
		return
	}
	for len(g.nodes[nodeIdx].edges) > 0 {
		g.RemoveEdge(g.nodes[nodeIdx].edges[0])
	}
}

// VisitEdges calls the visitor for every edge incident to the node, in
// insertion order.
func (g *Graph) VisitEdges(nodeIdx int, visit func(edgeIdx int)) {
	if !g.nodeAlive(nodeIdx) {
		return
	}
	edges := append([]int(nil), g.nodes[nodeIdx].edges...)
	for _, e := range edges {
		if g.edgeAlive(e) {
			visit(e)
		}
	}
}

// VisitNeighbors calls the visitor for every distinct neighboring node.
func (g *Graph) VisitNeighbors(nodeIdx int, visit func(neighborIdx int)) {
	if !g.nodeAlive(nodeIdx) {
		return
	}
	seen := map[int]bool{}
	for _, edgeIdx := range g.nodes[nodeIdx].edges {
		if !g.edgeAlive(edgeIdx) {
			continue
		}
		other := g.otherNode(edgeIdx, nodeIdx)
		if !seen[other] {
			seen[other] = true
			visit(other)
		}
	}
}

func (g *Graph) otherNode(edgeIdx, nodeIdx int) int {
	e := g.edges[edgeIdx]
	if e.nodeA == nodeIdx {
		return e.nodeB
	}
	return e.nodeA
}

// HasAdjacency reports whether any live edge connects the two node indices.
func (g *Graph) HasAdjacency(a, b int) bool {
	if !g.nodeAlive(a) || !g.nodeAlive(b) {
		return false
	}
	for _, edgeIdx := range g.nodes[a].edges {
		if !g.edgeAlive(edgeIdx) {
			continue
		}
		if g.otherNode(edgeIdx, a) == b {
			return true
		}
	}
	return false
}

// EdgeNodeEntities returns the entities of the edge's endpoints.
func (g *Graph) EdgeNodeEntities(edgeIdx int) (ecs.Entity, ecs.Entity) {
	if !g.edgeAlive(edgeIdx) {
		return ecs.Null, ecs.Null
	}
	e := g.edges[edgeIdx]
	return g.nodes[e.nodeA].entity, g.nodes[e.nodeB].entity
}

// EdgeEntity returns the entity attached to the edge.
func (g *Graph) EdgeEntity(edgeIdx int) ecs.Entity {
	if !g.edgeAlive(edgeIdx) {
		return ecs.Null
	}
	return g.edges[edgeIdx].entity
}

// NodeEntity returns the entity attached to the node.
func (g *Graph) NodeEntity(nodeIdx int) ecs.Entity {
	if !g.nodeAlive(nodeIdx) {
		return ecs.Null
	}
	return g.nodes[nodeIdx].entity
}

// NonConnecting reports the node's connectivity class.
func (g *Graph) NonConnecting(nodeIdx int) bool {
	return g.nodeAlive(nodeIdx) && g.nodes[nodeIdx].nonConnecting
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes) - len(g.freeNodes)
}

// EdgeCount returns the number of live edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges) - len(g.freeEdges)
}

func (g *Graph) nodeAlive(idx int) bool {
	return idx >= 0 && idx < len(g.nodes) && g.nodes[idx].alive
}

func (g *Graph) edgeAlive(idx int) bool {
	return idx >= 0 && idx < len(g.edges) && g.edges[idx].alive
}

// Component is one connected component: node and edge indices in
// deterministic BFS discovery order.
type Component struct {
	Nodes []int
	Edges []int
}

// ConnectedComponents partitions the graph. BFS runs over connecting nodes
// only, in ascending index order for reproducibility; each component then
// pulls in every non-connecting neighbor, so a non-connecting node may
// appear in several components.
func (g *Graph) ConnectedComponents() []Component {
	visited := make([]bool, len(g.nodes))
	var components []Component

	for start := range g.nodes {
		if !g.nodes[start].alive || g.nodes[start].nonConnecting || visited[start] {
			continue
		}
		comp := Component{}
		edgeSeen := map[int]bool{}
		nonConnSeen := map[int]bool{}
		queue := []int{start}
		visited[start] = true

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			comp.Nodes = append(comp.Nodes, current)

			for _, edgeIdx := range g.nodes[current].edges {
				if !g.edgeAlive(edgeIdx) {
					continue
				}
				if !edgeSeen[edgeIdx] {
					edgeSeen[edgeIdx] = true
					comp.Edges = append(comp.Edges, edgeIdx)
				}
				neighbor := g.otherNode(edgeIdx, current)
				if g.nodes[neighbor].nonConnecting {
					if !nonConnSeen[neighbor] {
						nonConnSeen[neighbor] = true
						comp.Nodes = append(comp.Nodes, neighbor)
					}
					continue
				}
				if !visited[neighbor] {
					visited[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

// IsSingleConnectedComponent reports whether all connecting nodes form one
// component.
func (g *Graph) IsSingleConnectedComponent() bool {
	return len(g.ConnectedComponents()) <= 1
}
