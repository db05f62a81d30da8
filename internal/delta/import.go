package delta

import (
	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

// ImportResult reports what an import changed in the local registry.
type ImportResult struct {
	// CreatedLocals are fresh local entities made for unknown remotes.
	CreatedLocals []ecs.Entity
	// DestroyedLocals are local entities removed by the delta.
	DestroyedLocals []ecs.Entity
}

// Import applies a delta into the registry, translating every entity handle
// through the map. Unknown remote entities referenced by creation or update
// pools get fresh local entities. Re-applying the same delta is a no-op for
// creations whose mapping already exists.
func Import(r *ecs.Registry, m *ecs.EntityMap, d *Delta) ImportResult {
	var result ImportResult

	for _, pair := range d.Mappings {
		m.Insert(pair.Remote, pair.Local)
	}

	resolve := func(remote ecs.Entity) ecs.Entity {
		if remote.IsNull() {
			return ecs.Null
		}
		if local, ok := m.Local(remote); ok {
			return local
		}
		local := r.Create()
		m.Insert(remote, local)
		result.CreatedLocals = append(result.CreatedLocals, local)
		return local
	}

	for _, remote := range d.CreatedEntities {
		if m.HasRemote(remote) {
			continue
		}
		local := r.Create()
		m.Insert(remote, local)
		result.CreatedLocals = append(result.CreatedLocals, local)
	}

	// Creation pools arrive sorted by type so referenced entities exist
	// before dependents; updates follow the same path.
	applyPools := func(pools []Pool) {
		for _, pool := range pools {
			if !r.Registered(pool.Type) {
				continue
			}
			for _, entry := range pool.Entries {
				local := resolve(entry.Entity)
				value := comp.RemapEntities(pool.Type, entry.Value, resolve)
				r.SetAny(pool.Type, local, value)
			}
		}
	}
	applyPools(d.Created)
	applyPools(d.Updated)

	for _, pool := range d.Destroyed {
		for _, remote := range pool.Entities {
			if local, ok := m.Local(remote); ok {
				r.RemoveComponent(pool.Type, local)
			}
		}
	}

	for _, remote := range d.DestroyedEntities {
		local, ok := m.Local(remote)
		if !ok {
			continue
		}
		m.EraseLocal(local)
		r.Destroy(local)
		result.DestroyedLocals = append(result.DestroyedLocals, local)
	}

	return result
}
