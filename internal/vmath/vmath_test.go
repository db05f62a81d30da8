package vmath

import (
	"math"
	"testing"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func vecAlmostEqual(a, b Vec3, eps float64) bool {
	return almostEqual(a.X, b.X, eps) && almostEqual(a.Y, b.Y, eps) && almostEqual(a.Z, b.Z, eps)
}

func TestQuatRotate(t *testing.T) {
	q := QuatAxisAngle(Vec3{Z: 1}, math.Pi/2)
	got := q.Rotate(Vec3{X: 1})
	if !vecAlmostEqual(got, Vec3{Y: 1}, 1e-9) {
		t.Fatalf("90 degree z-rotation of x-axis = %+v", got)
	}
	back := q.RotateInverse(got)
	if !vecAlmostEqual(back, Vec3{X: 1}, 1e-9) {
		t.Fatalf("inverse rotation did not restore the vector: %+v", back)
	}
}

func TestQuatIntegrateStaysNormalized(t *testing.T) {
	q := QuatIdentity()
	for i := 0; i < 1000; i++ {
		q = q.Integrate(Vec3{X: 3, Y: -2, Z: 1}, 1.0/60.0)
	}
	if !almostEqual(q.LengthSq(), 1, 1e-9) {
		t.Fatalf("orientation drifted off the unit sphere: |q|^2 = %v", q.LengthSq())
	}
}

func TestQuatToMat3MatchesRotate(t *testing.T) {
	q := QuatAxisAngle(Vec3{X: 1, Y: 1, Z: 0}.Normalize(), 0.7)
	m := QuatToMat3(q)
	v := Vec3{X: 0.3, Y: -1.2, Z: 2}
	if got, want := m.MulVec(v), q.Rotate(v); !vecAlmostEqual(got, want, 1e-9) {
		t.Fatalf("matrix and quaternion rotation disagree: %+v vs %+v", got, want)
	}
}

func TestOrthogonalBasis(t *testing.T) {
	n := Vec3{X: 0.2, Y: 0.9, Z: -0.4}.Normalize()
	u, v := n.OrthogonalBasis()
	for name, d := range map[string]float64{
		"u.n": u.Dot(n), "v.n": v.Dot(n), "u.v": u.Dot(v),
	} {
		if !almostEqual(d, 0, 1e-9) {
			t.Fatalf("basis not orthogonal: %s = %v", name, d)
		}
	}
	if !almostEqual(u.LengthSq(), 1, 1e-9) || !almostEqual(v.LengthSq(), 1, 1e-9) {
		t.Fatalf("basis vectors not unit length")
	}
}

func TestAABBIntersectsAndUnion(t *testing.T) {
	a := AABBAround(Vec3{}, Vec3{X: 1, Y: 1, Z: 1})
	b := AABBAround(Vec3{X: 1.5}, Vec3{X: 1, Y: 1, Z: 1})
	c := AABBAround(Vec3{X: 5}, Vec3{X: 1, Y: 1, Z: 1})

	if !a.Intersects(b) {
		t.Fatalf("expected %+v to intersect %+v", a, b)
	}
	if a.Intersects(c) {
		t.Fatalf("expected %+v to miss %+v", a, c)
	}
	union := a.Union(c)
	if union.Min.X != -1 || union.Max.X != 6 {
		t.Fatalf("unexpected union: %+v", union)
	}
}
