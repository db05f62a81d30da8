package comp

import "stonefall/engine/internal/vmath"

// ShapeKind discriminates the closed shape variant list.
type ShapeKind uint8

const (
	ShapeSphere ShapeKind = iota
	ShapeBox
	ShapePlane
	ShapePolyhedron
	ShapeCompound
	ShapeTriMesh
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeSphere:
		return "sphere"
	case ShapeBox:
		return "box"
	case ShapePlane:
		return "plane"
	case ShapePolyhedron:
		return "polyhedron"
	case ShapeCompound:
		return "compound"
	case ShapeTriMesh:
		return "trimesh"
	}
	return "unknown"
}

// ConvexMesh is the immutable vertex set of a polyhedral shape. Instances
// share the mesh; the rotated cache below is per instance.
type ConvexMesh struct {
	Vertices []vmath.Vec3 `json:"vertices"`
}

// ChildShape is one element of a compound.
type ChildShape struct {
	Shape       Shape      `json:"shape"`
	Position    vmath.Vec3 `json:"position"`
	Orientation vmath.Quat `json:"orientation"`
}

// Shape is the tagged shape variant attached to collidable bodies.
type Shape struct {
	Kind ShapeKind `json:"kind"`

	// Sphere.
	Radius float64 `json:"radius,omitempty"`
	// Box.
	HalfExtents vmath.Vec3 `json:"halfExtents,omitempty"`
	// Plane: unit normal plus signed constant (n·x = c).
	Normal   vmath.Vec3 `json:"normal,omitempty"`
	Constant float64    `json:"constant,omitempty"`
	// Polyhedron and trimesh.
	Mesh *ConvexMesh `json:"mesh,omitempty"`
	// Compound.
	Children []ChildShape `json:"children,omitempty"`

	// RotatedVertices caches the mesh vertices in the instance's current
	// orientation. Rebuilt by the worker when the shape is imported and
	// whenever the orientation changes outside the integrator. Never sent
	// over the wire.
	RotatedVertices []vmath.Vec3 `json:"-"`
}

// NeedsRotatedCache reports whether the shape carries a vertex cache that
// must be initialized after import.
func (s *Shape) NeedsRotatedCache() bool {
	switch s.Kind {
	case ShapePolyhedron, ShapeTriMesh:
		return s.Mesh != nil
	case ShapeCompound:
		for i := range s.Children {
			if s.Children[i].Shape.NeedsRotatedCache() {
				return true
			}
		}
	}
	return false
}

// RebuildRotated refreshes the rotated-vertex cache for the orientation.
func (s *Shape) RebuildRotated(orn vmath.Quat) {
	if s.Mesh != nil {
		if cap(s.RotatedVertices) < len(s.Mesh.Vertices) {
			s.RotatedVertices = make([]vmath.Vec3, len(s.Mesh.Vertices))
		}
		s.RotatedVertices = s.RotatedVertices[:len(s.Mesh.Vertices)]
		for i, v := range s.Mesh.Vertices {
			s.RotatedVertices[i] = orn.Rotate(v)
		}
	}
	for i := range s.Children {
		child := &s.Children[i]
		child.Shape.RebuildRotated(orn.MulQuat(child.Orientation))
	}
}

// BoundingBox computes the world-space AABB of the shape at the given
// transform.
func (s *Shape) BoundingBox(pos vmath.Vec3, orn vmath.Quat) vmath.AABB {
	switch s.Kind {
	case ShapeSphere:
		return vmath.AABBAround(pos, vmath.Vec3{X: s.Radius, Y: s.Radius, Z: s.Radius})
	case ShapeBox:
		m := vmath.QuatToMat3(orn)
		he := vmath.Vec3{
			X: m.Rows[0].Abs().Dot(s.HalfExtents),
			Y: m.Rows[1].Abs().Dot(s.HalfExtents),
			Z: m.Rows[2].Abs().Dot(s.HalfExtents),
		}
		return vmath.AABBAround(pos, he)
	case ShapePlane:
		const planeExtent = 1e4
		return vmath.AABBAround(pos, vmath.Vec3{X: planeExtent, Y: planeExtent, Z: planeExtent})
	case ShapePolyhedron, ShapeTriMesh:
		if s.Mesh == nil || len(s.Mesh.Vertices) == 0 {
			return vmath.AABBAround(pos, vmath.Vec3{})
		}
		first := pos.Add(orn.Rotate(s.Mesh.Vertices[0]))
		box := vmath.AABB{Min: first, Max: first}
		for _, v := range s.Mesh.Vertices[1:] {
			p := pos.Add(orn.Rotate(v))
			box.Min = box.Min.Min(p)
			box.Max = box.Max.Max(p)
		}
		return box
	case ShapeCompound:
		var box vmath.AABB
		for i := range s.Children {
			child := &s.Children[i]
			childPos := pos.Add(orn.Rotate(child.Position))
			childBox := child.Shape.BoundingBox(childPos, orn.MulQuat(child.Orientation))
			if i == 0 {
				box = childBox
			} else {
				box = box.Union(childBox)
			}
		}
		return box
	}
	return vmath.AABBAround(pos, vmath.Vec3{})
}
