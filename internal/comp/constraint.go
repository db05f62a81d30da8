package comp

import (
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

// ConstraintKind discriminates the closed constraint variant list. Adding a
// kind means editing this list and the solver's row preparation switch.
type ConstraintKind uint8

const (
	ConstraintNull ConstraintKind = iota
	ConstraintDistance
	ConstraintPoint
	ConstraintHinge
	ConstraintGeneric
	ConstraintContact
	ConstraintGravity
	ConstraintSoftDistance
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintNull:
		return "null"
	case ConstraintDistance:
		return "distance"
	case ConstraintPoint:
		return "point"
	case ConstraintHinge:
		return "hinge"
	case ConstraintGeneric:
		return "generic"
	case ConstraintContact:
		return "contact"
	case ConstraintGravity:
		return "gravity"
	case ConstraintSoftDistance:
		return "soft_distance"
	}
	return "unknown"
}

// Constraint is the edge payload connecting two bodies. Parameter fields are
// interpreted per kind; unused ones stay zero. Accumulated impulses persist
// across steps for warm starting.
type Constraint struct {
	Kind ConstraintKind `json:"kind"`
	Body [2]ecs.Entity  `json:"body"`

	// PivotA/PivotB are local-space attachment points.
	PivotA vmath.Vec3 `json:"pivotA"`
	PivotB vmath.Vec3 `json:"pivotB"`
	// AxisA/AxisB are local-space axes for the hinge variant.
	AxisA vmath.Vec3 `json:"axisA"`
	AxisB vmath.Vec3 `json:"axisB"`
	// MinDist/MaxDist bound the distance variants; Stiffness and Damping
	// shape the soft variant's spring.
	MinDist   float64 `json:"minDist"`
	MaxDist   float64 `json:"maxDist"`
	Stiffness float64 `json:"stiffness"`
	Damping   float64 `json:"damping"`

	AppliedImpulses []float64 `json:"appliedImpulses,omitempty"`
}

func (c *Constraint) remapEntities(f func(ecs.Entity) ecs.Entity) {
	c.Body[0] = f(c.Body[0])
	c.Body[1] = f(c.Body[1])
}

// MaxContactPoints is the persistent manifold capacity.
const MaxContactPoints = 4

// ContactPoint is one persistent contact between a body pair.
type ContactPoint struct {
	PivotA          vmath.Vec3 `json:"pivotA"`
	PivotB          vmath.Vec3 `json:"pivotB"`
	Normal          vmath.Vec3 `json:"normal"`
	NormalImpulse   float64    `json:"normalImpulse"`
	FrictionImpulse float64    `json:"frictionImpulse"`
	Distance        float64    `json:"distance"`
	Lifetime        uint32     `json:"lifetime"`
}

// ContactManifold holds up to four persistent contact points between a pair
// of bodies, plus the separation threshold beyond which the manifold dies.
type ContactManifold struct {
	Body                [2]ecs.Entity                  `json:"body"`
	NumPoints           int                            `json:"numPoints"`
	Points              [MaxContactPoints]ContactPoint `json:"points"`
	SeparationThreshold float64                        `json:"separationThreshold"`
}

func (m *ContactManifold) remapEntities(f func(ecs.Entity) ecs.Entity) {
	m.Body[0] = f(m.Body[0])
	m.Body[1] = f(m.Body[1])
}
