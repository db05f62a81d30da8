package netsync

import (
	"fmt"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/netpkt"
)

// buildPools serializes the selected component types of the given entities
// into wire pools. Handles stay in the sender's space; the receiver maps
// them. Types the entity lacks are skipped.
func buildPools(reg *ecs.Registry, entities []ecs.Entity, include func(ecs.TypeID) bool) ([]netpkt.Pool, error) {
	var pools []netpkt.Pool
	for _, t := range comp.NetworkedTypes() {
		if include != nil && !include(t) {
			continue
		}
		var pool netpkt.Pool
		started := false
		for _, e := range entities {
			v, ok := reg.GetAny(t, e)
			if !ok {
				continue
			}
			if !started {
				var err error
				pool, err = netpkt.PoolFor(t)
				if err != nil {
					return nil, err
				}
				started = true
			}
			if err := pool.AppendEntry(e, v); err != nil {
				return nil, fmt.Errorf("pool %s: %w", comp.Name(t), err)
			}
		}
		if started {
			pools = append(pools, pool)
		}
	}
	return pools, nil
}

// applyResult reports what applying pools touched and which sender-space
// entities could not be resolved.
type applyResult struct {
	applied []appliedEntry
	created []ecs.Entity
	unknown []ecs.Entity
}

type appliedEntry struct {
	entity ecs.Entity // local handle
	t      ecs.TypeID
}

// applyPools writes wire pools into the registry through the entity map.
// With createUnknown, unmapped sender handles get fresh local entities;
// otherwise their entries are skipped and the handles reported unknown.
func applyPools(reg *ecs.Registry, emap *ecs.EntityMap, pools []netpkt.Pool, createUnknown bool) (applyResult, error) {
	var result applyResult
	unknownSet := map[ecs.Entity]bool{}

	resolve := func(remote ecs.Entity) (ecs.Entity, bool) {
		if remote.IsNull() {
			return ecs.Null, true
		}
		if local, ok := emap.Local(remote); ok {
			return local, true
		}
		if !createUnknown {
			if !unknownSet[remote] {
				unknownSet[remote] = true
				result.unknown = append(result.unknown, remote)
			}
			return ecs.Null, false
		}
		local := reg.Create()
		emap.Insert(remote, local)
		result.created = append(result.created, local)
		return local, true
	}

	for _, pool := range pools {
		for _, entry := range pool.Entries {
			t, value, err := netpkt.DecodePoolValue(pool, entry)
			if err != nil {
				return result, err
			}
			local, ok := resolve(entry.Entity)
			if !ok {
				continue
			}
			complete := true
			value = comp.RemapEntities(t, value, func(ref ecs.Entity) ecs.Entity {
				mapped, refOK := resolve(ref)
				if !refOK {
					complete = false
				}
				return mapped
			})
			if !complete {
				continue
			}
			reg.SetAny(t, local, value)
			result.applied = append(result.applied, appliedEntry{entity: local, t: t})
		}
	}
	return result, nil
}
