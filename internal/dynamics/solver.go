package dynamics

import (
	"math"
	"sort"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

const (
	defaultIterations   = 8
	baumgarte           = 0.2
	linearSlop          = 0.005
	restitutionVelocity = 1.0
	gravitationalConst  = 6.674e-11
)

type bodyState struct {
	entity ecs.Entity
	linvel vmath.Vec3
	angvel vmath.Vec3
	invM   float64
	invI   vmath.Mat3
	pos    vmath.Vec3
	orn    vmath.Quat
}

// row is one scalar velocity constraint: J v = -bias, with the accumulated
// impulse clamped to [lower, upper].
type row struct {
	a, b       *bodyState
	jLinA      vmath.Vec3
	jAngA      vmath.Vec3
	jLinB      vmath.Vec3
	jAngB      vmath.Vec3
	bias       float64
	gamma      float64
	lower      float64
	upper      float64
	effMass    float64
	impulse    float64
	frictionOf int     // index of the governing normal row, or -1
	friction   float64 // coefficient for friction rows
	writeback  func(float64)
}

// Solver runs the iterative sequential impulse kernel over all constraints
// and contact manifolds in a registry. Contract: given prepared rows and a
// timestep it mutates velocities until the rows are satisfied within the
// iteration budget.
type Solver struct {
	reg        *ecs.Registry
	Iterations int

	bodies map[ecs.Entity]*bodyState
	order  []ecs.Entity
	rows   []row
}

func NewSolver(r *ecs.Registry) *Solver {
	return &Solver{
		reg:        r,
		Iterations: defaultIterations,
		bodies:     make(map[ecs.Entity]*bodyState),
	}
}

// Step prepares rows, warm starts, iterates and writes results back.
func (s *Solver) Step(dt float64) {
	if dt <= 0 {
		return
	}
	s.prepare(dt)
	s.warmStart()
	for i := 0; i < s.Iterations; i++ {
		s.iterate()
	}
	s.finish()
}

func (s *Solver) body(e ecs.Entity) *bodyState {
	if st, ok := s.bodies[e]; ok {
		return st
	}
	st := &bodyState{entity: e, orn: vmath.QuatIdentity()}
	if v, ok := ecs.Get[comp.LinVel](s.reg, comp.TypeLinVel, e); ok {
		st.linvel = v.Value
	}
	if v, ok := ecs.Get[comp.AngVel](s.reg, comp.TypeAngVel, e); ok {
		st.angvel = v.Value
	}
	if kind, ok := ecs.Get[comp.BodyKind](s.reg, comp.TypeBodyKind, e); ok && kind.Kind == comp.KindDynamic {
		if m, ok := ecs.Get[comp.Mass](s.reg, comp.TypeMass, e); ok {
			st.invM = m.Inv
		}
		if inertia, ok := ecs.Get[comp.Inertia](s.reg, comp.TypeInertia, e); ok {
			st.invI = inertia.InvWorld
		}
	}
	if p, ok := ecs.Get[comp.Position](s.reg, comp.TypePosition, e); ok {
		st.pos = p.Value
	}
	if o, ok := ecs.Get[comp.Orientation](s.reg, comp.TypeOrientation, e); ok {
		st.orn = o.Value
	}
	s.bodies[e] = st
	s.order = append(s.order, e)
	return st
}

func (s *Solver) prepare(dt float64) {
	s.rows = s.rows[:0]
	clear(s.bodies)
	s.order = s.order[:0]

	ecs.Each(s.reg, comp.TypeConstraint, func(e ecs.Entity, c *comp.Constraint) {
		s.prepareConstraint(e, c, dt)
	})
	ecs.Each(s.reg, comp.TypeContactManifold, func(e ecs.Entity, m *comp.ContactManifold) {
		s.prepareManifold(m, dt)
	})
}

func (s *Solver) prepareConstraint(e ecs.Entity, c *comp.Constraint, dt float64) {
	if c.Kind == comp.ConstraintNull {
		return
	}
	a := s.body(c.Body[0])
	b := s.body(c.Body[1])

	switch c.Kind {
	case comp.ConstraintGravity:
		// Mutual attraction applied directly; no row.
		d := b.pos.Sub(a.pos)
		distSq := d.LengthSq()
		if distSq < 1e-9 {
			return
		}
		if a.invM > 0 && b.invM > 0 {
			massA, massB := 1/a.invM, 1/b.invM
			force := gravitationalConst * massA * massB / distSq
			impulse := d.Normalize().Scale(force * dt)
			a.linvel = a.linvel.Add(impulse.Scale(a.invM))
			b.linvel = b.linvel.Sub(impulse.Scale(b.invM))
		}
	case comp.ConstraintDistance, comp.ConstraintSoftDistance:
		s.prepareDistance(e, c, a, b, dt)
	case comp.ConstraintPoint:
		s.preparePoint(e, c, a, b, dt, 3)
	case comp.ConstraintHinge:
		s.prepareHinge(e, c, a, b, dt)
	case comp.ConstraintGeneric:
		s.preparePoint(e, c, a, b, dt, 3)
		s.prepareAngularLock(e, c, a, b, dt, 3)
	case comp.ConstraintContact:
		// Contact impulses live on the manifold, prepared separately.
	}
}

func (s *Solver) ensureImpulses(e ecs.Entity, c *comp.Constraint, n int) []float64 {
	if len(c.AppliedImpulses) != n {
		c.AppliedImpulses = make([]float64, n)
		if ptr := ecs.GetPtr[comp.Constraint](s.reg, comp.TypeConstraint, e); ptr != nil {
			ptr.AppliedImpulses = c.AppliedImpulses
		}
	}
	return c.AppliedImpulses
}

func (s *Solver) prepareDistance(e ecs.Entity, c *comp.Constraint, a, b *bodyState, dt float64) {
	impulses := s.ensureImpulses(e, c, 1)
	rA := a.orn.Rotate(c.PivotA)
	rB := b.orn.Rotate(c.PivotB)
	d := b.pos.Add(rB).Sub(a.pos.Add(rA))
	dist := d.Length()
	dir := vmath.Vec3{X: 1}
	if dist > 1e-9 {
		dir = d.Scale(1 / dist)
	}
	var violation float64
	switch {
	case dist < c.MinDist:
		violation = dist - c.MinDist
	case dist > c.MaxDist:
		violation = dist - c.MaxDist
	default:
		if c.Kind == comp.ConstraintDistance {
			return
		}
	}
	r := row{
		a: a, b: b,
		jLinA: dir.Neg(), jAngA: rA.Cross(dir).Neg(),
		jLinB: dir, jAngB: rB.Cross(dir),
		lower: math.Inf(-1), upper: math.Inf(1),
		impulse:    impulses[0],
		frictionOf: -1,
		writeback:  func(v float64) { impulses[0] = v },
	}
	if c.Kind == comp.ConstraintSoftDistance && c.Stiffness > 0 {
		h := dt
		k := c.Stiffness
		damping := c.Damping
		gamma := 1.0 / (h * (damping + h*k))
		r.gamma = gamma
		r.bias = violation * h * k * gamma
	} else {
		r.bias = baumgarte / dt * violation
	}
	s.pushRow(r)
}

func (s *Solver) preparePoint(e ecs.Entity, c *comp.Constraint, a, b *bodyState, dt float64, n int) {
	impulses := s.ensureImpulses(e, c, constraintRowCount(c.Kind))
	rA := a.orn.Rotate(c.PivotA)
	rB := b.orn.Rotate(c.PivotB)
	errVec := b.pos.Add(rB).Sub(a.pos.Add(rA))
	axes := [3]vmath.Vec3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := 0; i < n; i++ {
		axis := axes[i]
		i := i
		s.pushRow(row{
			a: a, b: b,
			jLinA: axis.Neg(), jAngA: rA.Cross(axis).Neg(),
			jLinB: axis, jAngB: rB.Cross(axis),
			bias:       baumgarte / dt * errVec.Dot(axis),
			lower:      math.Inf(-1),
			upper:      math.Inf(1),
			impulse:    impulses[i],
			frictionOf: -1,
			writeback:  func(v float64) { impulses[i] = v },
		})
	}
}

func (s *Solver) prepareHinge(e ecs.Entity, c *comp.Constraint, a, b *bodyState, dt float64) {
	impulses := s.ensureImpulses(e, c, constraintRowCount(c.Kind))
	s.preparePointRows(impulses[:3], c, a, b, dt)
	axisA := a.orn.Rotate(c.AxisA)
	u, v := axisA.OrthogonalBasis()
	axisB := b.orn.Rotate(c.AxisB)
	for i, t := range [2]vmath.Vec3{u, v} {
		idx := 3 + i
		s.pushRow(row{
			a: a, b: b,
			jAngA: t.Neg(), jAngB: t,
			bias:       baumgarte / dt * axisB.Cross(axisA).Dot(t),
			lower:      math.Inf(-1),
			upper:      math.Inf(1),
			impulse:    impulses[idx],
			frictionOf: -1,
			writeback:  func(val float64) { impulses[idx] = val },
		})
	}
}

func (s *Solver) preparePointRows(impulses []float64, c *comp.Constraint, a, b *bodyState, dt float64) {
	rA := a.orn.Rotate(c.PivotA)
	rB := b.orn.Rotate(c.PivotB)
	errVec := b.pos.Add(rB).Sub(a.pos.Add(rA))
	axes := [3]vmath.Vec3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := 0; i < 3; i++ {
		axis := axes[i]
		i := i
		s.pushRow(row{
			a: a, b: b,
			jLinA: axis.Neg(), jAngA: rA.Cross(axis).Neg(),
			jLinB: axis, jAngB: rB.Cross(axis),
			bias:       baumgarte / dt * errVec.Dot(axis),
			lower:      math.Inf(-1),
			upper:      math.Inf(1),
			impulse:    impulses[i],
			frictionOf: -1,
			writeback:  func(v float64) { impulses[i] = v },
		})
	}
}

func (s *Solver) prepareAngularLock(e ecs.Entity, c *comp.Constraint, a, b *bodyState, dt float64, offset int) {
	impulses := s.ensureImpulses(e, c, constraintRowCount(c.Kind))
	axes := [3]vmath.Vec3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := 0; i < 3; i++ {
		idx := offset + i
		axis := axes[i]
		s.pushRow(row{
			a: a, b: b,
			jAngA: axis.Neg(), jAngB: axis,
			lower:      math.Inf(-1),
			upper:      math.Inf(1),
			impulse:    impulses[idx],
			frictionOf: -1,
			writeback:  func(v float64) { impulses[idx] = v },
		})
	}
}

func constraintRowCount(kind comp.ConstraintKind) int {
	switch kind {
	case comp.ConstraintDistance, comp.ConstraintSoftDistance:
		return 1
	case comp.ConstraintPoint:
		return 3
	case comp.ConstraintHinge:
		return 5
	case comp.ConstraintGeneric:
		return 6
	}
	return 0
}

func (s *Solver) prepareManifold(m *comp.ContactManifold, dt float64) {
	a := s.body(m.Body[0])
	b := s.body(m.Body[1])
	if a.invM == 0 && b.invM == 0 {
		return
	}
	restitution, friction := s.mixMaterials(m.Body[0], m.Body[1])

	for i := 0; i < m.NumPoints; i++ {
		point := &m.Points[i]
		rA := a.orn.Rotate(point.PivotA)
		rB := b.orn.Rotate(point.PivotB)
		n := point.Normal

		relVel := a.linvel.Add(a.angvel.Cross(rA)).Sub(b.linvel).Sub(b.angvel.Cross(rB)).Dot(n)
		bias := 0.0
		if point.Distance < -linearSlop {
			bias = baumgarte / dt * (point.Distance + linearSlop)
		}
		if relVel < -restitutionVelocity {
			if bounce := restitution * relVel; bounce < bias {
				bias = bounce
			}
		}
		normalIdx := len(s.rows)
		s.pushRow(row{
			a: a, b: b,
			jLinA: n, jAngA: rA.Cross(n),
			jLinB: n.Neg(), jAngB: rB.Cross(n).Neg(),
			bias:       bias,
			lower:      0,
			upper:      math.Inf(1),
			impulse:    point.NormalImpulse,
			frictionOf: -1,
			writeback:  func(v float64) { point.NormalImpulse = v },
		})

		if friction > 0 {
			t1, t2 := n.OrthogonalBasis()
			half := point.FrictionImpulse * 0.5
			for j, t := range [2]vmath.Vec3{t1, t2} {
				j := j
				s.pushRow(row{
					a: a, b: b,
					jLinA: t, jAngA: rA.Cross(t),
					jLinB: t.Neg(), jAngB: rB.Cross(t).Neg(),
					frictionOf: normalIdx,
					friction:   friction,
					impulse:    half,
					writeback: func(v float64) {
						if j == 0 {
							point.FrictionImpulse = v
						} else {
							point.FrictionImpulse += v
						}
					},
				})
			}
		}
	}
}

func (s *Solver) mixMaterials(a, b ecs.Entity) (restitution, friction float64) {
	matA, okA := ecs.Get[comp.Material](s.reg, comp.TypeMaterial, a)
	matB, okB := ecs.Get[comp.Material](s.reg, comp.TypeMaterial, b)
	switch {
	case okA && okB:
		return matA.Restitution * matB.Restitution, math.Sqrt(matA.Friction * matB.Friction)
	case okA:
		return matA.Restitution, matA.Friction
	case okB:
		return matB.Restitution, matB.Friction
	}
	return 0, 0.5
}

func (s *Solver) pushRow(r ...row) {
	for i := range r {
		rr := r[i]
		rr.effMass = effectiveMass(&rr)
		if rr.effMass == 0 {
			continue
		}
		s.rows = append(s.rows, rr)
	}
}

func effectiveMass(r *row) float64 {
	k := r.a.invM*r.jLinA.LengthSq() +
		r.b.invM*r.jLinB.LengthSq() +
		r.jAngA.Dot(r.a.invI.MulVec(r.jAngA)) +
		r.jAngB.Dot(r.b.invI.MulVec(r.jAngB)) +
		r.gamma
	if k <= 0 {
		return 0
	}
	return 1 / k
}

func (s *Solver) warmStart() {
	for i := range s.rows {
		applyImpulse(&s.rows[i], s.rows[i].impulse)
	}
}

func applyImpulse(r *row, lambda float64) {
	r.a.linvel = r.a.linvel.Add(r.jLinA.Scale(lambda * r.a.invM))
	r.a.angvel = r.a.angvel.Add(r.a.invI.MulVec(r.jAngA).Scale(lambda))
	r.b.linvel = r.b.linvel.Add(r.jLinB.Scale(lambda * r.b.invM))
	r.b.angvel = r.b.angvel.Add(r.b.invI.MulVec(r.jAngB).Scale(lambda))
}

func (s *Solver) iterate() {
	for i := range s.rows {
		r := &s.rows[i]
		relVel := r.a.linvel.Dot(r.jLinA) +
			r.a.angvel.Dot(r.jAngA) +
			r.b.linvel.Dot(r.jLinB) +
			r.b.angvel.Dot(r.jAngB)
		lambda := -r.effMass * (relVel + r.bias + r.gamma*r.impulse)

		lower, upper := r.lower, r.upper
		if r.frictionOf >= 0 {
			limit := s.rows[r.frictionOf].impulse * r.friction
			lower, upper = -limit, limit
		}
		prev := r.impulse
		r.impulse = clamp(prev+lambda, lower, upper)
		applyImpulse(r, r.impulse-prev)
	}
}

func (s *Solver) finish() {
	sort.Slice(s.order, func(i, j int) bool { return s.order[i].ID < s.order[j].ID })
	for _, e := range s.order {
		st := s.bodies[e]
		if st.invM == 0 {
			continue
		}
		ecs.Set(s.reg, comp.TypeLinVel, e, comp.LinVel{Value: st.linvel})
		ecs.Set(s.reg, comp.TypeAngVel, e, comp.AngVel{Value: st.angvel})
	}
	for i := range s.rows {
		if s.rows[i].writeback != nil {
			s.rows[i].writeback(s.rows[i].impulse)
		}
	}
}
