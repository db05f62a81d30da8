// Package comp declares the closed set of component types understood by the
// simulation and the network layer, together with their stable type IDs,
// wire codecs and entity-reference remapping rules.
package comp

import (
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

// Component type IDs. The order is load-bearing: networked pool ordinals are
// derived from it, and both endpoints of a connection must agree on it.
const (
	TypeBodyKind ecs.TypeID = iota
	TypePosition
	TypeOrientation
	TypeLinVel
	TypeAngVel
	TypeMass
	TypeInertia
	TypeCenterOfMass
	TypeOrigin
	TypeAABB
	TypeShape
	TypeMaterial
	TypeGravity
	TypeConstraint
	TypeContactManifold
	TypeControlInput
	TypeGraphNode
	TypeGraphEdge
	TypeIslandResident
	TypeMultiIslandResident
	TypeIsland
	TypeContinuous
	TypeDiscontinuity
	TypeNetworked
	TypeEntityOwner
	TypeProcedural
	TypeSleeping
	TypeSleepingDisabled

	numTypes
)

// BodyKind selects the simulation role of a body. The four kinds are
// mutually exclusive; procedural participation is a separate tag.
type BodyKind struct {
	Kind Kind `json:"kind"`
}

type Kind uint8

const (
	KindDynamic Kind = iota
	KindKinematic
	KindStatic
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindKinematic:
		return "kinematic"
	case KindStatic:
		return "static"
	case KindExternal:
		return "external"
	}
	return "unknown"
}

// Position is the world-space location of a body's center of mass frame.
type Position struct {
	Value vmath.Vec3 `json:"value"`
}

// Orientation is the body rotation.
type Orientation struct {
	Value vmath.Quat `json:"value"`
}

// LinVel is linear velocity.
type LinVel struct {
	Value vmath.Vec3 `json:"value"`
}

// AngVel is angular velocity.
type AngVel struct {
	Value vmath.Vec3 `json:"value"`
}

// Mass carries the scalar mass and its precomputed inverse. A zero inverse
// marks an immovable body.
type Mass struct {
	Value float64 `json:"value"`
	Inv   float64 `json:"inv"`
}

// Inertia carries the local-space inertia diagonal, its inverse, and the
// derived world-space inverse tensor.
type Inertia struct {
	Local    vmath.Vec3 `json:"local"`
	InvLocal vmath.Vec3 `json:"invLocal"`
	InvWorld vmath.Mat3 `json:"invWorld"`
}

// CenterOfMass is the local offset from the geometric origin to the center
// of mass.
type CenterOfMass struct {
	Value vmath.Vec3 `json:"value"`
}

// Origin is the derived world-space geometric origin:
// pos + rotate(orn, -com). Present only on bodies with a center-of-mass
// offset.
type Origin struct {
	Value vmath.Vec3 `json:"value"`
}

// AABB is the derived world-space bounding box of the body's shape.
type AABB struct {
	Value vmath.AABB `json:"value"`
}

// Material holds the surface response parameters mixed per contact point.
type Material struct {
	Restitution float64 `json:"restitution"`
	Friction    float64 `json:"friction"`
}

// Gravity is the per-body constant acceleration applied by the integrator.
type Gravity struct {
	Value vmath.Vec3 `json:"value"`
}

// ControlInput is the player-authored force/torque fed into owned bodies.
// Input components bypass the server ownership check.
type ControlInput struct {
	Force  vmath.Vec3 `json:"force"`
	Torque vmath.Vec3 `json:"torque"`
}

// GraphNode links a body to its node in the owning registry's entity graph.
type GraphNode struct {
	NodeIndex int `json:"nodeIndex"`
}

// GraphEdge links a constraint or manifold to its graph edge.
type GraphEdge struct {
	EdgeIndex int `json:"edgeIndex"`
}

// IslandResident marks a procedural entity with its single owning island.
type IslandResident struct {
	Island ecs.Entity `json:"island"`
}

// MultiIslandResident marks a non-procedural body shared by several islands.
type MultiIslandResident struct {
	Islands []ecs.Entity `json:"islands"`
}

// Island is the component carried by an island entity itself.
type Island struct {
	Nodes     []ecs.Entity `json:"nodes"`
	Edges     []ecs.Entity `json:"edges"`
	Timestamp float64      `json:"timestamp"`
}

// MaxContinuousTypes bounds the per-entity continuous list.
const MaxContinuousTypes = 16

// Continuous lists component types a worker must stream back every step
// regardless of dirty state.
type Continuous struct {
	Types []ecs.TypeID `json:"types"`
}

// Insert adds a type, keeping the list bounded and duplicate-free.
func (c *Continuous) Insert(types ...ecs.TypeID) {
	for _, t := range types {
		exists := false
		for _, have := range c.Types {
			if have == t {
				exists = true
				break
			}
		}
		if !exists && len(c.Types) < MaxContinuousTypes {
			c.Types = append(c.Types, t)
		}
	}
}

// Discontinuity is the presentation-only offset left behind by a
// reconciliation snap. It decays multiplicatively each step.
type Discontinuity struct {
	PositionOffset    vmath.Vec3 `json:"positionOffset"`
	OrientationOffset vmath.Quat `json:"orientationOffset"`
}

// Networked tags entities subject to replication.
type Networked struct{}

// EntityOwner records which client created a networked entity.
type EntityOwner struct {
	Client ecs.Entity `json:"client"`
}

// Procedural tags entities whose state is produced by the solver; they
// belong to exactly one island.
type Procedural struct{}

// Sleeping tags islands and their procedural entities while at rest.
type Sleeping struct{}

// SleepingDisabled prevents the island containing the entity from sleeping.
type SleepingDisabled struct{}
