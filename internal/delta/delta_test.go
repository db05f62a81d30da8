package delta

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

func makeBody(r *ecs.Registry, pos vmath.Vec3) ecs.Entity {
	e := r.Create()
	ecs.Set(r, comp.TypeBodyKind, e, comp.BodyKind{Kind: comp.KindDynamic})
	ecs.Set(r, comp.TypePosition, e, comp.Position{Value: pos})
	ecs.Set(r, comp.TypeOrientation, e, comp.Orientation{Value: vmath.QuatIdentity()})
	ecs.Set(r, comp.TypeMass, e, comp.Mass{Value: 2, Inv: 0.5})
	ecs.Set(r, comp.TypeNetworked, e, comp.Networked{})
	return e
}

func TestRoundTripPreservesNetworkedComponents(t *testing.T) {
	src := newRegistry()
	a := makeBody(src, vmath.Vec3{X: 1})
	b := makeBody(src, vmath.Vec3{X: -1})
	constraint := src.Create()
	ecs.Set(src, comp.TypeConstraint, constraint, comp.Constraint{
		Kind:    comp.ConstraintDistance,
		Body:    [2]ecs.Entity{a, b},
		MaxDist: 3,
	})

	builder := NewBuilder()
	builder.CreatedAll(a, src)
	builder.CreatedAll(b, src)
	builder.CreatedAll(constraint, src)
	d := builder.Finish()

	dst := newRegistry()
	emap := ecs.NewEntityMap()
	result := Import(dst, emap, &d)
	if len(result.CreatedLocals) != 3 {
		t.Fatalf("expected 3 created locals, got %d", len(result.CreatedLocals))
	}

	localA, ok := emap.Local(a)
	if !ok {
		t.Fatalf("entity %v not mapped", a)
	}
	pos, ok := ecs.Get[comp.Position](dst, comp.TypePosition, localA)
	if !ok || pos.Value.X != 1 {
		t.Fatalf("position did not survive the round trip: %+v ok=%v", pos, ok)
	}

	localConstraint, _ := emap.Local(constraint)
	got, ok := ecs.Get[comp.Constraint](dst, comp.TypeConstraint, localConstraint)
	if !ok {
		t.Fatalf("constraint missing after import")
	}
	localB, _ := emap.Local(b)
	if got.Body[0] != localA || got.Body[1] != localB {
		t.Fatalf("constraint bodies not remapped: %+v", got.Body)
	}
}

func TestImportIdempotence(t *testing.T) {
	src := newRegistry()
	a := makeBody(src, vmath.Vec3{Y: 4})

	builder := NewBuilder()
	builder.CreatedAll(a, src)
	d := builder.Finish()

	dst := newRegistry()
	emap := ecs.NewEntityMap()
	first := Import(dst, emap, &d)
	second := Import(dst, emap, &d)

	if len(first.CreatedLocals) != 1 {
		t.Fatalf("first import should create one local, got %d", len(first.CreatedLocals))
	}
	if len(second.CreatedLocals) != 0 {
		t.Fatalf("second import must be a creation no-op, created %d", len(second.CreatedLocals))
	}
	count := 0
	dst.Each(func(ecs.Entity) { count++ })
	if count != 1 {
		t.Fatalf("expected a single entity after re-apply, got %d", count)
	}
}

func TestFinishSortsCreationPoolsByType(t *testing.T) {
	src := newRegistry()
	a := makeBody(src, vmath.Vec3{})

	builder := NewBuilder()
	// Record in reverse type order on purpose.
	builder.CreatedComponent(a, comp.TypeNetworked, comp.Networked{})
	builder.CreatedComponent(a, comp.TypeBodyKind, comp.BodyKind{Kind: comp.KindDynamic})
	d := builder.Finish()

	if len(d.Created) != 2 {
		t.Fatalf("expected 2 creation pools, got %d", len(d.Created))
	}
	if d.Created[0].Type > d.Created[1].Type {
		t.Fatalf("creation pools not sorted: %v before %v", d.Created[0].Type, d.Created[1].Type)
	}
}

func TestDestroyPropagation(t *testing.T) {
	src := newRegistry()
	a := makeBody(src, vmath.Vec3{})

	builder := NewBuilder()
	builder.CreatedAll(a, src)
	d := builder.Finish()

	dst := newRegistry()
	emap := ecs.NewEntityMap()
	Import(dst, emap, &d)
	localA, _ := emap.Local(a)

	builder.DestroyedComponent(a, comp.TypeMass)
	builder.DestroyedEntity(a)
	d2 := builder.Finish()
	result := Import(dst, emap, &d2)

	if len(result.DestroyedLocals) != 1 || result.DestroyedLocals[0] != localA {
		t.Fatalf("expected %v destroyed, got %v", localA, result.DestroyedLocals)
	}
	if dst.Alive(localA) {
		t.Fatalf("entity should be destroyed")
	}
	if emap.HasRemote(a) {
		t.Fatalf("mapping should be erased with the entity")
	}
}

func TestBuilderUpdateDedup(t *testing.T) {
	builder := NewBuilder()
	e := ecs.Entity{ID: 1, Gen: 1}
	builder.UpdatedComponent(e, comp.TypePosition, comp.Position{Value: vmath.Vec3{X: 1}})
	builder.UpdatedComponent(e, comp.TypePosition, comp.Position{Value: vmath.Vec3{X: 2}})
	d := builder.Finish()

	if len(d.Updated) != 1 || len(d.Updated[0].Entries) != 1 {
		t.Fatalf("expected one coalesced entry, got %+v", d.Updated)
	}
	got := d.Updated[0].Entries[0].Value.(comp.Position)
	if got.Value.X != 2 {
		t.Fatalf("expected last-writer-wins value 2, got %v", got.Value.X)
	}
}

func TestHasEntityAndEmpty(t *testing.T) {
	builder := NewBuilder()
	if !builder.Empty() {
		t.Fatalf("fresh builder must be empty")
	}
	e := ecs.Entity{ID: 7, Gen: 1}
	builder.Created(e)
	if !builder.HasEntity(e) {
		t.Fatalf("expected HasEntity after Created")
	}
	if builder.Empty() {
		t.Fatalf("builder with content reported empty")
	}
	builder.Finish()
	if !builder.Empty() {
		t.Fatalf("Finish must reset the builder")
	}
}
