package engine

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/vmath"
)

// Aliases re-export the internal types callers need to drive the engine
// without importing internal packages directly.

type (
	Entity     = ecs.Entity
	BodyDef    = island.BodyDef
	Constraint = comp.Constraint
	Shape      = comp.Shape
	Material   = comp.Material
	Vec3       = vmath.Vec3
	Quat       = vmath.Quat
)

const (
	KindDynamic   = comp.KindDynamic
	KindKinematic = comp.KindKinematic
	KindStatic    = comp.KindStatic
	KindExternal  = comp.KindExternal
)

const (
	ConstraintDistance     = comp.ConstraintDistance
	ConstraintPoint        = comp.ConstraintPoint
	ConstraintHinge        = comp.ConstraintHinge
	ConstraintGeneric      = comp.ConstraintGeneric
	ConstraintGravity      = comp.ConstraintGravity
	ConstraintSoftDistance = comp.ConstraintSoftDistance
)

// SphereShape builds a sphere collision shape.
func SphereShape(radius float64) Shape {
	return Shape{Kind: comp.ShapeSphere, Radius: radius}
}

// BoxShape builds a box collision shape from half extents.
func BoxShape(halfExtents Vec3) Shape {
	return Shape{Kind: comp.ShapeBox, HalfExtents: halfExtents}
}

// PlaneShape builds an infinite plane with the given unit normal and
// signed constant.
func PlaneShape(normal Vec3, constant float64) Shape {
	return Shape{Kind: comp.ShapePlane, Normal: normal, Constant: constant}
}
