package vmath

import "math"

// Quat is a rotation quaternion. The identity is {0,0,0,1}.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

func QuatIdentity() Quat {
	return Quat{W: 1}
}

// QuatAxisAngle builds a rotation of angle radians around the unit axis.
func QuatAxisAngle(axis Vec3, angle float64) Quat {
	half := angle * 0.5
	s := math.Sin(half)
	return Quat{
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
		W: math.Cos(half),
	}
}

func (q Quat) MulQuat(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quat) Conjugate() Quat {
	return Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
}

func (q Quat) LengthSq() float64 {
	return q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W
}

func (q Quat) Normalize() Quat {
	length := math.Sqrt(q.LengthSq())
	if length == 0 {
		return QuatIdentity()
	}
	inv := 1.0 / length
	return Quat{X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv, W: q.W * inv}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{X: q.X, Y: q.Y, Z: q.Z}
	uv := u.Cross(v)
	uuv := u.Cross(uv)
	return v.Add(uv.Scale(2 * q.W)).Add(uuv.Scale(2))
}

// RotateInverse applies the inverse rotation to v.
func (q Quat) RotateInverse(v Vec3) Vec3 {
	return q.Conjugate().Rotate(v)
}

// Integrate advances the orientation by an angular velocity over dt and
// renormalizes.
func (q Quat) Integrate(angvel Vec3, dt float64) Quat {
	spin := Quat{X: angvel.X, Y: angvel.Y, Z: angvel.Z}
	derived := spin.MulQuat(q)
	return Quat{
		X: q.X + derived.X*0.5*dt,
		Y: q.Y + derived.Y*0.5*dt,
		Z: q.Z + derived.Z*0.5*dt,
		W: q.W + derived.W*0.5*dt,
	}.Normalize()
}

// Mat3 is a row-major 3x3 matrix.
type Mat3 struct {
	Rows [3]Vec3 `json:"rows"`
}

func Mat3Identity() Mat3 {
	return Mat3{Rows: [3]Vec3{{X: 1}, {Y: 1}, {Z: 1}}}
}

// Mat3Diagonal builds a diagonal matrix from d.
func Mat3Diagonal(d Vec3) Mat3 {
	return Mat3{Rows: [3]Vec3{{X: d.X}, {Y: d.Y}, {Z: d.Z}}}
}

func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		X: m.Rows[0].Dot(v),
		Y: m.Rows[1].Dot(v),
		Z: m.Rows[2].Dot(v),
	}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	t := o.Transpose()
	var out Mat3
	for i := 0; i < 3; i++ {
		out.Rows[i] = Vec3{
			X: m.Rows[i].Dot(t.Rows[0]),
			Y: m.Rows[i].Dot(t.Rows[1]),
			Z: m.Rows[i].Dot(t.Rows[2]),
		}
	}
	return out
}

func (m Mat3) Transpose() Mat3 {
	return Mat3{Rows: [3]Vec3{
		{X: m.Rows[0].X, Y: m.Rows[1].X, Z: m.Rows[2].X},
		{X: m.Rows[0].Y, Y: m.Rows[1].Y, Z: m.Rows[2].Y},
		{X: m.Rows[0].Z, Y: m.Rows[1].Z, Z: m.Rows[2].Z},
	}}
}

// QuatToMat3 expands the rotation into matrix form.
func QuatToMat3(q Quat) Mat3 {
	x2, y2, z2 := q.X*2, q.Y*2, q.Z*2
	xx, yy, zz := q.X*x2, q.Y*y2, q.Z*z2
	xy, xz, yz := q.X*y2, q.X*z2, q.Y*z2
	wx, wy, wz := q.W*x2, q.W*y2, q.W*z2
	return Mat3{Rows: [3]Vec3{
		{X: 1 - (yy + zz), Y: xy - wz, Z: xz + wy},
		{X: xy + wz, Y: 1 - (xx + zz), Z: yz - wx},
		{X: xz - wy, Y: yz + wx, Z: 1 - (xx + yy)},
	}}
}
