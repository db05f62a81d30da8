package dynamics

import (
	"math"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/vmath"
)

// ContactCandidate is one fresh contact produced by a pair function. The
// normal is world-space and points from body B toward body A; distance is
// the signed separation along it.
type ContactCandidate struct {
	PivotA   vmath.Vec3
	PivotB   vmath.Vec3
	Normal   vmath.Vec3
	Distance float64
}

// ContactThreshold is the separation below which contact points are
// generated, and SeparationThreshold the distance at which persistent points
// are discarded.
const (
	ContactThreshold    = 0.04
	SeparationThreshold = 0.06
	contactMergeDistSq  = 0.01
)

// CollideShapes dispatches over the closed shape list and returns contact
// candidates between the two transformed shapes. Pair functions are pure:
// they read only their arguments.
func CollideShapes(sa *comp.Shape, posA vmath.Vec3, ornA vmath.Quat,
	sb *comp.Shape, posB vmath.Vec3, ornB vmath.Quat) []ContactCandidate {

	if sa.Kind == comp.ShapeCompound {
		return collideCompound(sa, posA, ornA, sb, posB, ornB, false)
	}
	if sb.Kind == comp.ShapeCompound {
		return collideCompound(sb, posB, ornB, sa, posA, ornA, true)
	}

	if sa.Kind > sb.Kind {
		flipped := CollideShapes(sb, posB, ornB, sa, posA, ornA)
		for i := range flipped {
			flipped[i].PivotA, flipped[i].PivotB = flipped[i].PivotB, flipped[i].PivotA
			flipped[i].Normal = flipped[i].Normal.Neg()
		}
		return flipped
	}

	switch {
	case sa.Kind == comp.ShapeSphere && sb.Kind == comp.ShapeSphere:
		return collideSphereSphere(sa.Radius, posA, sb.Radius, posB)
	case sa.Kind == comp.ShapeSphere && sb.Kind == comp.ShapeBox:
		return collideSphereBox(sa.Radius, posA, sb.HalfExtents, posB, ornB)
	case sa.Kind == comp.ShapeSphere && sb.Kind == comp.ShapePlane:
		return collideSpherePlane(sa.Radius, posA, sb.Normal, sb.Constant)
	case sa.Kind == comp.ShapeBox && sb.Kind == comp.ShapeBox:
		return collideBoxBox(sa.HalfExtents, posA, ornA, sb.HalfExtents, posB, ornB)
	case sa.Kind == comp.ShapeBox && sb.Kind == comp.ShapePlane:
		return collideBoxPlane(sa.HalfExtents, posA, ornA, sb.Normal, sb.Constant)
	case sa.Kind == comp.ShapePolyhedron && sb.Kind == comp.ShapePlane:
		return collidePolyhedronPlane(sa, posA, ornA, sb.Normal, sb.Constant)
	}
	// Remaining combinations (trimesh vs convex, polyhedron vs polyhedron)
	// have no generator yet and produce no contacts.
	return nil
}

func collideCompound(compound *comp.Shape, posC vmath.Vec3, ornC vmath.Quat,
	other *comp.Shape, posO vmath.Vec3, ornO vmath.Quat, flipped bool) []ContactCandidate {

	var out []ContactCandidate
	for i := range compound.Children {
		child := &compound.Children[i]
		childPos := posC.Add(ornC.Rotate(child.Position))
		childOrn := ornC.MulQuat(child.Orientation)
		var candidates []ContactCandidate
		if flipped {
			candidates = CollideShapes(other, posO, ornO, &child.Shape, childPos, childOrn)
		} else {
			candidates = CollideShapes(&child.Shape, childPos, childOrn, other, posO, ornO)
		}
		// Re-express the child-local pivot in the compound's frame.
		for j := range candidates {
			if flipped {
				world := childPos.Add(childOrn.Rotate(candidates[j].PivotB))
				candidates[j].PivotB = ornC.RotateInverse(world.Sub(posC))
			} else {
				world := childPos.Add(childOrn.Rotate(candidates[j].PivotA))
				candidates[j].PivotA = ornC.RotateInverse(world.Sub(posC))
			}
		}
		out = append(out, candidates...)
	}
	return out
}

func collideSphereSphere(ra float64, posA vmath.Vec3, rb float64, posB vmath.Vec3) []ContactCandidate {
	d := posA.Sub(posB)
	distCenters := d.Length()
	sep := distCenters - ra - rb
	if sep > ContactThreshold {
		return nil
	}
	normal := vmath.Vec3{Y: 1}
	if distCenters > 1e-9 {
		normal = d.Scale(1 / distCenters)
	}
	return []ContactCandidate{{
		PivotA:   normal.Neg().Scale(ra),
		PivotB:   normal.Scale(rb),
		Normal:   normal,
		Distance: sep,
	}}
}

func collideSpherePlane(radius float64, posA, normal vmath.Vec3, constant float64) []ContactCandidate {
	sep := posA.Dot(normal) - constant - radius
	if sep > ContactThreshold {
		return nil
	}
	onPlane := posA.Sub(normal.Scale(posA.Dot(normal) - constant))
	return []ContactCandidate{{
		PivotA:   normal.Neg().Scale(radius),
		PivotB:   onPlane,
		Normal:   normal,
		Distance: sep,
	}}
}

func collideBoxPlane(halfExtents, posA vmath.Vec3, ornA vmath.Quat, normal vmath.Vec3, constant float64) []ContactCandidate {
	var out []ContactCandidate
	for i := 0; i < 8; i++ {
		corner := vmath.Vec3{
			X: halfExtents.X * sign(i&1 == 0),
			Y: halfExtents.Y * sign(i&2 == 0),
			Z: halfExtents.Z * sign(i&4 == 0),
		}
		world := posA.Add(ornA.Rotate(corner))
		sep := world.Dot(normal) - constant
		if sep > ContactThreshold {
			continue
		}
		out = append(out, ContactCandidate{
			PivotA:   corner,
			PivotB:   world.Sub(normal.Scale(sep)),
			Normal:   normal,
			Distance: sep,
		})
	}
	return out
}

func collidePolyhedronPlane(shape *comp.Shape, posA vmath.Vec3, ornA vmath.Quat, normal vmath.Vec3, constant float64) []ContactCandidate {
	if shape.Mesh == nil {
		return nil
	}
	vertices := shape.RotatedVertices
	if len(vertices) != len(shape.Mesh.Vertices) {
		// Cache not primed yet; rotate on the fly.
		vertices = make([]vmath.Vec3, len(shape.Mesh.Vertices))
		for i, v := range shape.Mesh.Vertices {
			vertices[i] = ornA.Rotate(v)
		}
	}
	var out []ContactCandidate
	for i, rotated := range vertices {
		world := posA.Add(rotated)
		sep := world.Dot(normal) - constant
		if sep > ContactThreshold {
			continue
		}
		out = append(out, ContactCandidate{
			PivotA:   shape.Mesh.Vertices[i],
			PivotB:   world.Sub(normal.Scale(sep)),
			Normal:   normal,
			Distance: sep,
		})
	}
	return out
}

func collideSphereBox(radius float64, posA, halfExtents, posB vmath.Vec3, ornB vmath.Quat) []ContactCandidate {
	// Work in the box's local frame.
	local := ornB.RotateInverse(posA.Sub(posB))
	clamped := vmath.Vec3{
		X: clamp(local.X, -halfExtents.X, halfExtents.X),
		Y: clamp(local.Y, -halfExtents.Y, halfExtents.Y),
		Z: clamp(local.Z, -halfExtents.Z, halfExtents.Z),
	}
	d := local.Sub(clamped)
	distSq := d.LengthSq()
	var normalLocal vmath.Vec3
	var sep float64
	if distSq > 1e-12 {
		dist := math.Sqrt(distSq)
		normalLocal = d.Scale(1 / dist)
		sep = dist - radius
	} else {
		// Center inside the box: push out along the face of least depth.
		faceDist := [...]float64{
			halfExtents.X - math.Abs(local.X),
			halfExtents.Y - math.Abs(local.Y),
			halfExtents.Z - math.Abs(local.Z),
		}
		axis := 0
		for i := 1; i < 3; i++ {
			if faceDist[i] < faceDist[axis] {
				axis = i
			}
		}
		switch axis {
		case 0:
			normalLocal = vmath.Vec3{X: math.Copysign(1, local.X)}
		case 1:
			normalLocal = vmath.Vec3{Y: math.Copysign(1, local.Y)}
		default:
			normalLocal = vmath.Vec3{Z: math.Copysign(1, local.Z)}
		}
		sep = -faceDist[axis] - radius
	}
	if sep > ContactThreshold {
		return nil
	}
	normal := ornB.Rotate(normalLocal)
	return []ContactCandidate{{
		PivotA:   normal.Neg().Scale(radius),
		PivotB:   clamped,
		Normal:   normal,
		Distance: sep,
	}}
}

func collideBoxBox(heA, posA vmath.Vec3, ornA vmath.Quat, heB, posB vmath.Vec3, ornB vmath.Quat) []ContactCandidate {
	out := boxVerticesInBox(heA, posA, ornA, heB, posB, ornB, false)
	out = append(out, boxVerticesInBox(heB, posB, ornB, heA, posA, ornA, true)...)
	return out
}

// boxVerticesInBox tests each corner of the first box against the second
// box's faces. Face-to-face stacking resolves to the four deepest corners;
// edge-edge configurations fall outside this generator.
func boxVerticesInBox(heV, posV vmath.Vec3, ornV vmath.Quat, heF, posF vmath.Vec3, ornF vmath.Quat, flipped bool) []ContactCandidate {
	var out []ContactCandidate
	for i := 0; i < 8; i++ {
		corner := vmath.Vec3{
			X: heV.X * sign(i&1 == 0),
			Y: heV.Y * sign(i&2 == 0),
			Z: heV.Z * sign(i&4 == 0),
		}
		world := posV.Add(ornV.Rotate(corner))
		local := ornF.RotateInverse(world.Sub(posF))

		// Signed distance to the face box along its least-separating face.
		faceSep := [...]float64{
			math.Abs(local.X) - heF.X,
			math.Abs(local.Y) - heF.Y,
			math.Abs(local.Z) - heF.Z,
		}
		maxSep, axis := faceSep[0], 0
		for j := 1; j < 3; j++ {
			if faceSep[j] > maxSep {
				maxSep, axis = faceSep[j], j
			}
		}
		if maxSep > ContactThreshold {
			continue
		}
		var normalLocal vmath.Vec3
		switch axis {
		case 0:
			normalLocal = vmath.Vec3{X: math.Copysign(1, local.X)}
		case 1:
			normalLocal = vmath.Vec3{Y: math.Copysign(1, local.Y)}
		default:
			normalLocal = vmath.Vec3{Z: math.Copysign(1, local.Z)}
		}
		normal := ornF.Rotate(normalLocal)
		onFace := world.Sub(normal.Scale(maxSep))
		candidate := ContactCandidate{
			PivotA:   corner,
			PivotB:   ornF.RotateInverse(onFace.Sub(posF)),
			Normal:   normal,
			Distance: maxSep,
		}
		if flipped {
			candidate.PivotA, candidate.PivotB = candidate.PivotB, candidate.PivotA
			candidate.Normal = candidate.Normal.Neg()
		}
		out = append(out, candidate)
	}
	return out
}

func sign(positive bool) float64 {
	if positive {
		return 1
	}
	return -1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MergeManifold folds fresh candidates into a persistent manifold,
// preserving accumulated impulses of matching points and keeping the four
// deepest. It reports whether the manifold still holds any point.
func MergeManifold(m *comp.ContactManifold, candidates []ContactCandidate) bool {
	var next [comp.MaxContactPoints]comp.ContactPoint
	count := 0

	for _, candidate := range candidates {
		point := comp.ContactPoint{
			PivotA:   candidate.PivotA,
			PivotB:   candidate.PivotB,
			Normal:   candidate.Normal,
			Distance: candidate.Distance,
		}
		// Inherit impulses from the nearest previous point.
		for i := 0; i < m.NumPoints; i++ {
			prev := &m.Points[i]
			if prev.PivotA.Sub(candidate.PivotA).LengthSq() < contactMergeDistSq {
				point.NormalImpulse = prev.NormalImpulse
				point.FrictionImpulse = prev.FrictionImpulse
				point.Lifetime = prev.Lifetime + 1
				break
			}
		}
		if count < comp.MaxContactPoints {
			next[count] = point
			count++
			continue
		}
		// Replace the shallowest point if this one is deeper.
		shallowest := 0
		for i := 1; i < count; i++ {
			if next[i].Distance > next[shallowest].Distance {
				shallowest = i
			}
		}
		if point.Distance < next[shallowest].Distance {
			next[shallowest] = point
		}
	}

	m.Points = next
	m.NumPoints = count
	if m.SeparationThreshold == 0 {
		m.SeparationThreshold = SeparationThreshold
	}
	return count > 0
}
