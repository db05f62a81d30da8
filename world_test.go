package engine

import (
	"math"
	"testing"
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w := NewWorld(DefaultConfig())
	t.Cleanup(func() {
		if err := w.Shutdown(5 * time.Second); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return w
}

func pumpUntil(w *World, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w.Update()
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestTwoBoxStackSleeps(t *testing.T) {
	w := newTestWorld(t)
	cube := BoxShape(Vec3{X: 0.5, Y: 0.5, Z: 0.5})
	lower := w.CreateBody(BodyDef{Kind: KindDynamic, Position: Vec3{Y: 0.5}, Mass: 1, Shape: &cube})
	upper := w.CreateBody(BodyDef{Kind: KindDynamic, Position: Vec3{Y: 1.5}, Mass: 1, Shape: &cube})
	ground := PlaneShape(Vec3{Y: 1}, 0)
	w.CreateBody(BodyDef{Kind: KindStatic, Shape: &ground})

	reg := w.Registry()
	slept := pumpUntil(w, 15*time.Second, func() bool {
		return reg.Has(comp.TypeSleeping, lower) && reg.Has(comp.TypeSleeping, upper)
	})
	if !slept {
		t.Fatalf("stack never slept")
	}
	for _, e := range []Entity{lower, upper} {
		vel, _ := ecs.Get[comp.LinVel](reg, comp.TypeLinVel, e)
		ang, _ := ecs.Get[comp.AngVel](reg, comp.TypeAngVel, e)
		if vel.Value.LengthSq()+ang.Value.LengthSq() >= 1e-4 {
			t.Fatalf("sleeping body still moving: lin=%v ang=%v", vel.Value, ang.Value)
		}
	}
}

func TestDiscontinuityDecayAndPresentation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paused = true
	w := NewWorld(cfg)
	defer w.Shutdown(5 * time.Second)

	sphere := SphereShape(0.5)
	body := w.CreateBody(BodyDef{Kind: KindDynamic, Position: Vec3{X: 1}, Mass: 1, Shape: &sphere})

	reg := w.Registry()
	ecs.Set(reg, comp.TypeDiscontinuity, body, comp.Discontinuity{
		PositionOffset:    vmath.Vec3{X: -0.1},
		OrientationOffset: vmath.QuatIdentity(),
	})

	pos, _, ok := w.PresentationTransform(body)
	if !ok {
		t.Fatalf("presentation transform missing")
	}
	if math.Abs(pos.X-0.9) > 1e-9 {
		t.Fatalf("presentation should include the offset: %v", pos.X)
	}

	// One tick decays the offset by the configured rate.
	w.Update()
	disc, _ := ecs.Get[comp.Discontinuity](reg, comp.TypeDiscontinuity, body)
	if math.Abs(disc.PositionOffset.X-(-0.08)) > 1e-9 {
		t.Fatalf("offset after one decay = %v, want -0.08", disc.PositionOffset.X)
	}

	// Repeated ticks converge the presentation onto the simulated state
	// and eventually drop the component.
	for i := 0; i < 200; i++ {
		w.Update()
	}
	pos, _, _ = w.PresentationTransform(body)
	if math.Abs(pos.X-1) > 1e-6 {
		t.Fatalf("presentation did not converge: %v", pos.X)
	}
	if reg.Has(comp.TypeDiscontinuity, body) {
		t.Fatalf("expired discontinuity should be removed")
	}
}

func TestSetCenterOfMassRefreshesOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paused = true
	w := NewWorld(cfg)
	defer w.Shutdown(5 * time.Second)

	sphere := SphereShape(0.5)
	body := w.CreateBody(BodyDef{Kind: KindDynamic, Position: Vec3{X: 2}, Mass: 1, Shape: &sphere})
	w.SetCenterOfMass(body, vmath.Vec3{X: 0.25})

	origin, ok := ecs.Get[comp.Origin](w.Registry(), comp.TypeOrigin, body)
	if !ok {
		t.Fatalf("origin not derived after center-of-mass change")
	}
	if math.Abs(origin.Value.X-1.75) > 1e-9 {
		t.Fatalf("origin = %v, want pos + rotate(orn, -com) = 1.75", origin.Value.X)
	}
}
