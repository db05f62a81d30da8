package dynamics

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

// SleepCriteria carries the island rest thresholds.
type SleepCriteria struct {
	LinearThresholdSq  float64
	AngularThresholdSq float64
}

// CanSleep reports whether every procedural body in the registry is below
// the rest thresholds and nothing disables sleeping.
func CanSleep(r *ecs.Registry, criteria SleepCriteria) bool {
	if len(r.EntitiesWith(comp.TypeSleepingDisabled)) > 0 {
		return false
	}
	asleep := true
	ecs.Each(r, comp.TypeProcedural, func(e ecs.Entity, _ *comp.Procedural) {
		if !asleep {
			return
		}
		if v, ok := ecs.Get[comp.LinVel](r, comp.TypeLinVel, e); ok {
			if v.Value.LengthSq() > criteria.LinearThresholdSq {
				asleep = false
				return
			}
		}
		if v, ok := ecs.Get[comp.AngVel](r, comp.TypeAngVel, e); ok {
			if v.Value.LengthSq() > criteria.AngularThresholdSq {
				asleep = false
			}
		}
	})
	return asleep
}

// PutToSleep zeroes velocities and tags every procedural entity plus the
// island entity itself.
func PutToSleep(r *ecs.Registry, islandEntity ecs.Entity) {
	ecs.Each(r, comp.TypeProcedural, func(e ecs.Entity, _ *comp.Procedural) {
		if v := ecs.GetPtr[comp.LinVel](r, comp.TypeLinVel, e); v != nil {
			v.Value = comp.LinVel{}.Value
		}
		if v := ecs.GetPtr[comp.AngVel](r, comp.TypeAngVel, e); v != nil {
			v.Value = comp.AngVel{}.Value
		}
	})
	for _, e := range append([]ecs.Entity{islandEntity}, r.EntitiesWith(comp.TypeProcedural)...) {
		ecs.Set(r, comp.TypeSleeping, e, comp.Sleeping{})
	}
}

// WakeUp removes sleeping tags from the island and all entities.
func WakeUp(r *ecs.Registry) {
	sleeping := append([]ecs.Entity(nil), r.EntitiesWith(comp.TypeSleeping)...)
	for _, e := range sleeping {
		r.RemoveComponent(comp.TypeSleeping, e)
	}
}
