// Package dynamics implements the fixed-step rigid body pipeline run by each
// island worker: velocity/position integration, derived state refresh, broad
// and narrow phase, and the sequential impulse constraint solver.
package dynamics

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

// IntegrateVelocities applies gravity and control input to every dynamic
// body's velocities over dt.
func IntegrateVelocities(r *ecs.Registry, dt float64) {
	ecs.Each(r, comp.TypeBodyKind, func(e ecs.Entity, kind *comp.BodyKind) {
		if kind.Kind != comp.KindDynamic {
			return
		}
		mass, ok := ecs.Get[comp.Mass](r, comp.TypeMass, e)
		if !ok || mass.Inv == 0 {
			return
		}
		linvel := ecs.GetPtr[comp.LinVel](r, comp.TypeLinVel, e)
		angvel := ecs.GetPtr[comp.AngVel](r, comp.TypeAngVel, e)
		if linvel == nil || angvel == nil {
			return
		}
		if gravity, ok := ecs.Get[comp.Gravity](r, comp.TypeGravity, e); ok {
			linvel.Value = linvel.Value.Add(gravity.Value.Scale(dt))
		}
		if input, ok := ecs.Get[comp.ControlInput](r, comp.TypeControlInput, e); ok {
			linvel.Value = linvel.Value.Add(input.Force.Scale(mass.Inv * dt))
			if inertia, ok := ecs.Get[comp.Inertia](r, comp.TypeInertia, e); ok {
				angvel.Value = angvel.Value.Add(inertia.InvWorld.MulVec(input.Torque).Scale(dt))
			}
		}
	})
}

// IntegratePositions advances transforms by the current velocities and
// refreshes all derived state.
func IntegratePositions(r *ecs.Registry, dt float64) {
	ecs.Each(r, comp.TypeBodyKind, func(e ecs.Entity, kind *comp.BodyKind) {
		if kind.Kind != comp.KindDynamic && kind.Kind != comp.KindKinematic {
			return
		}
		pos := ecs.GetPtr[comp.Position](r, comp.TypePosition, e)
		orn := ecs.GetPtr[comp.Orientation](r, comp.TypeOrientation, e)
		if pos == nil || orn == nil {
			return
		}
		if linvel, ok := ecs.Get[comp.LinVel](r, comp.TypeLinVel, e); ok {
			pos.Value = pos.Value.Add(linvel.Value.Scale(dt))
		}
		if angvel, ok := ecs.Get[comp.AngVel](r, comp.TypeAngVel, e); ok {
			if angvel.Value.LengthSq() > 0 {
				orn.Value = orn.Value.Integrate(angvel.Value, dt)
			}
		}
		RefreshDerived(r, e)
	})
}

// RefreshDerived recomputes origin, world-space inverse inertia, rotated
// mesh caches and the AABB of one body. Call it whenever position,
// orientation or center of mass change outside the integrator.
func RefreshDerived(r *ecs.Registry, e ecs.Entity) {
	pos, okPos := ecs.Get[comp.Position](r, comp.TypePosition, e)
	orn, okOrn := ecs.Get[comp.Orientation](r, comp.TypeOrientation, e)
	if !okPos || !okOrn {
		return
	}

	if com, ok := ecs.Get[comp.CenterOfMass](r, comp.TypeCenterOfMass, e); ok {
		origin := pos.Value.Add(orn.Value.Rotate(com.Value.Neg()))
		ecs.Set(r, comp.TypeOrigin, e, comp.Origin{Value: origin})
	}

	if inertia := ecs.GetPtr[comp.Inertia](r, comp.TypeInertia, e); inertia != nil {
		rot := vmath.QuatToMat3(orn.Value)
		inertia.InvWorld = rot.Mul(vmath.Mat3Diagonal(inertia.InvLocal)).Mul(rot.Transpose())
	}

	if shape := ecs.GetPtr[comp.Shape](r, comp.TypeShape, e); shape != nil {
		if shape.NeedsRotatedCache() {
			shape.RebuildRotated(orn.Value)
		}
		geomPos := pos.Value
		if origin, ok := ecs.Get[comp.Origin](r, comp.TypeOrigin, e); ok {
			geomPos = origin.Value
		}
		box := shape.BoundingBox(geomPos, orn.Value)
		ecs.Set(r, comp.TypeAABB, e, comp.AABB{Value: box.Inflate(aabbMargin)})
	}
}

// RefreshAll refreshes derived state for every body with a transform.
func RefreshAll(r *ecs.Registry) {
	ecs.Each(r, comp.TypeBodyKind, func(e ecs.Entity, _ *comp.BodyKind) {
		RefreshDerived(r, e)
	})
}

const aabbMargin = 0.05

// DiagonalInertiaBox returns the local inertia diagonal of a solid box.
func DiagonalInertiaBox(mass float64, halfExtents vmath.Vec3) vmath.Vec3 {
	w, h, d := halfExtents.X*2, halfExtents.Y*2, halfExtents.Z*2
	k := mass / 12.0
	return vmath.Vec3{
		X: k * (h*h + d*d),
		Y: k * (w*w + d*d),
		Z: k * (w*w + h*h),
	}
}

// DiagonalInertiaSphere returns the local inertia diagonal of a solid
// sphere.
func DiagonalInertiaSphere(mass, radius float64) vmath.Vec3 {
	i := 0.4 * mass * radius * radius
	return vmath.Vec3{X: i, Y: i, Z: i}
}
