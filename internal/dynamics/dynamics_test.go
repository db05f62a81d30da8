package dynamics

import (
	"testing"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

func newRegistry() *ecs.Registry {
	r := ecs.NewRegistry()
	comp.RegisterAll(r)
	return r
}

func addDynamicBody(r *ecs.Registry, pos vmath.Vec3, shape comp.Shape, mass float64) ecs.Entity {
	e := r.Create()
	ecs.Set(r, comp.TypeBodyKind, e, comp.BodyKind{Kind: comp.KindDynamic})
	ecs.Set(r, comp.TypePosition, e, comp.Position{Value: pos})
	ecs.Set(r, comp.TypeOrientation, e, comp.Orientation{Value: vmath.QuatIdentity()})
	ecs.Set(r, comp.TypeLinVel, e, comp.LinVel{})
	ecs.Set(r, comp.TypeAngVel, e, comp.AngVel{})
	ecs.Set(r, comp.TypeMass, e, comp.Mass{Value: mass, Inv: 1 / mass})
	var diag vmath.Vec3
	switch shape.Kind {
	case comp.ShapeSphere:
		diag = DiagonalInertiaSphere(mass, shape.Radius)
	default:
		diag = DiagonalInertiaBox(mass, shape.HalfExtents)
	}
	inv := vmath.Vec3{X: 1 / diag.X, Y: 1 / diag.Y, Z: 1 / diag.Z}
	ecs.Set(r, comp.TypeInertia, e, comp.Inertia{Local: diag, InvLocal: inv})
	ecs.Set(r, comp.TypeShape, e, shape)
	ecs.Set(r, comp.TypeGravity, e, comp.Gravity{Value: vmath.Vec3{Y: -9.81}})
	ecs.Set(r, comp.TypeProcedural, e, comp.Procedural{})
	RefreshDerived(r, e)
	return e
}

func addGroundPlane(r *ecs.Registry) ecs.Entity {
	e := r.Create()
	ecs.Set(r, comp.TypeBodyKind, e, comp.BodyKind{Kind: comp.KindStatic})
	ecs.Set(r, comp.TypePosition, e, comp.Position{})
	ecs.Set(r, comp.TypeOrientation, e, comp.Orientation{Value: vmath.QuatIdentity()})
	ecs.Set(r, comp.TypeMass, e, comp.Mass{})
	ecs.Set(r, comp.TypeShape, e, comp.Shape{Kind: comp.ShapePlane, Normal: vmath.Vec3{Y: 1}})
	RefreshDerived(r, e)
	return e
}

// stepPipeline runs one fixed step the way a worker does, with a local
// manifold table.
func stepPipeline(r *ecs.Registry, bphase *Broadphase, solver *Solver, manifolds map[Pair]ecs.Entity, dt float64) {
	bphase.Update(r)
	pairs := bphase.Pairs(func(a, b ecs.Entity) bool {
		return r.Has(comp.TypeProcedural, a) || r.Has(comp.TypeProcedural, b)
	})
	collide := func(pair Pair) []ContactCandidate {
		shapeA := ecs.GetPtr[comp.Shape](r, comp.TypeShape, pair.A)
		shapeB := ecs.GetPtr[comp.Shape](r, comp.TypeShape, pair.B)
		posA, _ := ecs.Get[comp.Position](r, comp.TypePosition, pair.A)
		posB, _ := ecs.Get[comp.Position](r, comp.TypePosition, pair.B)
		ornA, _ := ecs.Get[comp.Orientation](r, comp.TypeOrientation, pair.A)
		ornB, _ := ecs.Get[comp.Orientation](r, comp.TypeOrientation, pair.B)
		return CollideShapes(shapeA, posA.Value, ornA.Value, shapeB, posB.Value, ornB.Value)
	}
	live := map[Pair]bool{}
	for _, pair := range pairs {
		live[pair] = true
		if _, ok := manifolds[pair]; ok {
			continue
		}
		candidates := collide(pair)
		if len(candidates) == 0 {
			continue
		}
		e := r.Create()
		m := comp.ContactManifold{Body: [2]ecs.Entity{pair.A, pair.B}}
		MergeManifold(&m, candidates)
		ecs.Set(r, comp.TypeContactManifold, e, m)
		manifolds[pair] = e
	}
	for pair, e := range manifolds {
		m := ecs.GetPtr[comp.ContactManifold](r, comp.TypeContactManifold, e)
		if m == nil {
			delete(manifolds, pair)
			continue
		}
		if !MergeManifold(m, collide(pair)) && !live[pair] {
			delete(manifolds, pair)
			r.Destroy(e)
		}
	}
	IntegrateVelocities(r, dt)
	solver.Step(dt)
	IntegratePositions(r, dt)
}

func TestFallingBoxComesToRestOnPlane(t *testing.T) {
	r := newRegistry()
	box := addDynamicBody(r, vmath.Vec3{Y: 0.6},
		comp.Shape{Kind: comp.ShapeBox, HalfExtents: vmath.Vec3{X: 0.5, Y: 0.5, Z: 0.5}}, 1)
	addGroundPlane(r)

	bphase := NewBroadphase()
	solver := NewSolver(r)
	manifolds := map[Pair]ecs.Entity{}
	dt := 1.0 / 60.0
	for i := 0; i < 240; i++ {
		stepPipeline(r, bphase, solver, manifolds, dt)
	}

	pos, _ := ecs.Get[comp.Position](r, comp.TypePosition, box)
	if pos.Value.Y < 0.4 || pos.Value.Y > 0.6 {
		t.Fatalf("box should rest near y=0.5, got %v", pos.Value.Y)
	}
	vel, _ := ecs.Get[comp.LinVel](r, comp.TypeLinVel, box)
	ang, _ := ecs.Get[comp.AngVel](r, comp.TypeAngVel, box)
	if vel.Value.LengthSq()+ang.Value.LengthSq() > 1e-4 {
		t.Fatalf("box still moving after 4s: lin=%v ang=%v", vel.Value, ang.Value)
	}
}

func TestTwoBoxStackSettles(t *testing.T) {
	r := newRegistry()
	cube := comp.Shape{Kind: comp.ShapeBox, HalfExtents: vmath.Vec3{X: 0.5, Y: 0.5, Z: 0.5}}
	lower := addDynamicBody(r, vmath.Vec3{Y: 0.5}, cube, 1)
	upper := addDynamicBody(r, vmath.Vec3{Y: 1.5}, cube, 1)
	addGroundPlane(r)

	bphase := NewBroadphase()
	solver := NewSolver(r)
	manifolds := map[Pair]ecs.Entity{}
	for i := 0; i < 240; i++ {
		stepPipeline(r, bphase, solver, manifolds, 1.0/60.0)
	}

	for _, e := range []ecs.Entity{lower, upper} {
		vel, _ := ecs.Get[comp.LinVel](r, comp.TypeLinVel, e)
		ang, _ := ecs.Get[comp.AngVel](r, comp.TypeAngVel, e)
		if vel.Value.LengthSq()+ang.Value.LengthSq() > 1e-4 {
			t.Fatalf("body %v still moving: lin=%v ang=%v", e, vel.Value, ang.Value)
		}
	}
	posUpper, _ := ecs.Get[comp.Position](r, comp.TypePosition, upper)
	if posUpper.Value.Y < 1.3 {
		t.Fatalf("upper box sank into the lower one: y=%v", posUpper.Value.Y)
	}
}

func TestDeterministicReplay(t *testing.T) {
	run := func() vmath.Vec3 {
		r := newRegistry()
		body := addDynamicBody(r, vmath.Vec3{Y: 3, X: 0.1},
			comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5}, 2)
		addGroundPlane(r)
		bphase := NewBroadphase()
		solver := NewSolver(r)
		manifolds := map[Pair]ecs.Entity{}
		for i := 0; i < 120; i++ {
			stepPipeline(r, bphase, solver, manifolds, 1.0/60.0)
		}
		pos, _ := ecs.Get[comp.Position](r, comp.TypePosition, body)
		return pos.Value
	}
	first := run()
	second := run()
	if first != second {
		t.Fatalf("two identical runs diverged: %+v vs %+v", first, second)
	}
}

func TestSphereSphereContact(t *testing.T) {
	a := comp.Shape{Kind: comp.ShapeSphere, Radius: 1}
	b := comp.Shape{Kind: comp.ShapeSphere, Radius: 1}
	candidates := CollideShapes(
		&a, vmath.Vec3{X: -0.99}, vmath.QuatIdentity(),
		&b, vmath.Vec3{X: 0.99}, vmath.QuatIdentity())
	if len(candidates) != 1 {
		t.Fatalf("expected one contact, got %d", len(candidates))
	}
	contact := candidates[0]
	if contact.Distance > 0 {
		t.Fatalf("expected penetration, distance=%v", contact.Distance)
	}
	if contact.Normal.X > -0.99 {
		t.Fatalf("normal should point from B toward A: %+v", contact.Normal)
	}

	far := CollideShapes(
		&a, vmath.Vec3{X: -2}, vmath.QuatIdentity(),
		&b, vmath.Vec3{X: 2}, vmath.QuatIdentity())
	if len(far) != 0 {
		t.Fatalf("separated spheres must not collide: %+v", far)
	}
}

func TestManifoldWarmStartSurvivesMerge(t *testing.T) {
	m := comp.ContactManifold{}
	first := []ContactCandidate{{
		PivotA: vmath.Vec3{X: 0.1}, Normal: vmath.Vec3{Y: 1}, Distance: -0.01,
	}}
	MergeManifold(&m, first)
	m.Points[0].NormalImpulse = 4.2

	// Same point moved slightly: the impulse carries over.
	second := []ContactCandidate{{
		PivotA: vmath.Vec3{X: 0.12}, Normal: vmath.Vec3{Y: 1}, Distance: -0.008,
	}}
	if !MergeManifold(&m, second) {
		t.Fatalf("manifold unexpectedly empty")
	}
	if m.Points[0].NormalImpulse != 4.2 {
		t.Fatalf("warm start impulse lost: %v", m.Points[0].NormalImpulse)
	}
	if m.Points[0].Lifetime != 1 {
		t.Fatalf("lifetime should increment, got %d", m.Points[0].Lifetime)
	}
}

func TestBroadphasePairsAndTreeView(t *testing.T) {
	r := newRegistry()
	a := addDynamicBody(r, vmath.Vec3{}, comp.Shape{Kind: comp.ShapeSphere, Radius: 1}, 1)
	b := addDynamicBody(r, vmath.Vec3{X: 1.5}, comp.Shape{Kind: comp.ShapeSphere, Radius: 1}, 1)
	addDynamicBody(r, vmath.Vec3{X: 50}, comp.Shape{Kind: comp.ShapeSphere, Radius: 1}, 1)

	bphase := NewBroadphase()
	bphase.Update(r)
	pairs := bphase.Pairs(nil)
	if len(pairs) != 1 {
		t.Fatalf("expected one overlapping pair, got %+v", pairs)
	}
	if pairs[0].A != a || pairs[0].B != b {
		t.Fatalf("unexpected pair %+v", pairs[0])
	}

	view := bphase.View()
	if view.Len() != 3 {
		t.Fatalf("tree view should hold 3 leaves, got %d", view.Len())
	}
	hits := 0
	view.Query(vmath.AABBAround(vmath.Vec3{}, vmath.Vec3{X: 2, Y: 2, Z: 2}), func(TreeNode) { hits++ })
	if hits != 2 {
		t.Fatalf("query should hit the two near bodies, got %d", hits)
	}
}

func TestDistanceConstraintHoldsBodies(t *testing.T) {
	r := newRegistry()
	a := addDynamicBody(r, vmath.Vec3{}, comp.Shape{Kind: comp.ShapeSphere, Radius: 0.1}, 1)
	b := addDynamicBody(r, vmath.Vec3{X: 1}, comp.Shape{Kind: comp.ShapeSphere, Radius: 0.1}, 1)
	// No gravity for this one.
	r.RemoveComponent(comp.TypeGravity, a)
	r.RemoveComponent(comp.TypeGravity, b)
	ecs.Set(r, comp.TypeLinVel, b, comp.LinVel{Value: vmath.Vec3{X: 5}})

	c := r.Create()
	ecs.Set(r, comp.TypeConstraint, c, comp.Constraint{
		Kind:    comp.ConstraintDistance,
		Body:    [2]ecs.Entity{a, b},
		MaxDist: 2,
	})

	solver := NewSolver(r)
	dt := 1.0 / 60.0
	for i := 0; i < 300; i++ {
		IntegrateVelocities(r, dt)
		solver.Step(dt)
		IntegratePositions(r, dt)
	}
	posA, _ := ecs.Get[comp.Position](r, comp.TypePosition, a)
	posB, _ := ecs.Get[comp.Position](r, comp.TypePosition, b)
	dist := posB.Value.Sub(posA.Value).Length()
	if dist > 2.2 {
		t.Fatalf("distance constraint violated: %v", dist)
	}
}
