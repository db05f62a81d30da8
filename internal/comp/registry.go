package comp

import (
	"encoding/json"
	"fmt"

	"stonefall/engine/internal/ecs"
)

// Info describes a registered component type for the delta and network
// layers.
type Info struct {
	Name string
	// Networked types participate in replication; their position in the
	// networked list is the wire pool ordinal.
	Networked bool
	// Transient types change every step and travel in transient snapshots.
	Transient bool
	// Input types bypass the server's ownership check.
	Input bool

	decode func(json.RawMessage) (any, error)
	remap  func(any, func(ecs.Entity) ecs.Entity) any
	add    func(*ecs.Registry)
}

var infos [numTypes]Info

func register[T any](id ecs.TypeID, info Info) {
	info.decode = func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", info.Name, err)
		}
		return v, nil
	}
	info.add = func(r *ecs.Registry) {
		ecs.AddColumn[T](r, id)
	}
	infos[id] = info
}

func init() {
	register[BodyKind](TypeBodyKind, Info{Name: "body_kind", Networked: true})
	register[Position](TypePosition, Info{Name: "position", Networked: true, Transient: true})
	register[Orientation](TypeOrientation, Info{Name: "orientation", Networked: true, Transient: true})
	register[LinVel](TypeLinVel, Info{Name: "linvel", Networked: true, Transient: true})
	register[AngVel](TypeAngVel, Info{Name: "angvel", Networked: true, Transient: true})
	register[Mass](TypeMass, Info{Name: "mass", Networked: true})
	register[Inertia](TypeInertia, Info{Name: "inertia", Networked: true})
	register[CenterOfMass](TypeCenterOfMass, Info{Name: "center_of_mass", Networked: true})
	register[Origin](TypeOrigin, Info{Name: "origin"})
	register[AABB](TypeAABB, Info{Name: "aabb"})
	register[Shape](TypeShape, Info{Name: "shape", Networked: true})
	register[Material](TypeMaterial, Info{Name: "material", Networked: true})
	register[Gravity](TypeGravity, Info{Name: "gravity", Networked: true})
	register[Constraint](TypeConstraint, Info{
		Name:      "constraint",
		Networked: true,
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			c := v.(Constraint)
			c.remapEntities(f)
			return c
		},
	})
	register[ContactManifold](TypeContactManifold, Info{
		Name:      "contact_manifold",
		Networked: true,
		Transient: true,
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			m := v.(ContactManifold)
			m.remapEntities(f)
			return m
		},
	})
	register[ControlInput](TypeControlInput, Info{Name: "control_input", Networked: true, Transient: true, Input: true})
	register[GraphNode](TypeGraphNode, Info{Name: "graph_node"})
	register[GraphEdge](TypeGraphEdge, Info{Name: "graph_edge"})
	register[IslandResident](TypeIslandResident, Info{
		Name: "island_resident",
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			res := v.(IslandResident)
			res.Island = f(res.Island)
			return res
		},
	})
	register[MultiIslandResident](TypeMultiIslandResident, Info{
		Name: "multi_island_resident",
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			res := v.(MultiIslandResident)
			islands := make([]ecs.Entity, len(res.Islands))
			for i, island := range res.Islands {
				islands[i] = f(island)
			}
			res.Islands = islands
			return res
		},
	})
	register[Island](TypeIsland, Info{
		Name: "island",
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			island := v.(Island)
			nodes := make([]ecs.Entity, len(island.Nodes))
			for i, n := range island.Nodes {
				nodes[i] = f(n)
			}
			edges := make([]ecs.Entity, len(island.Edges))
			for i, e := range island.Edges {
				edges[i] = f(e)
			}
			island.Nodes, island.Edges = nodes, edges
			return island
		},
	})
	register[Continuous](TypeContinuous, Info{Name: "continuous"})
	register[Discontinuity](TypeDiscontinuity, Info{Name: "discontinuity"})
	register[Networked](TypeNetworked, Info{Name: "networked", Networked: true})
	register[EntityOwner](TypeEntityOwner, Info{
		Name:      "entity_owner",
		Networked: true,
		remap: func(v any, f func(ecs.Entity) ecs.Entity) any {
			owner := v.(EntityOwner)
			owner.Client = f(owner.Client)
			return owner
		},
	})
	register[Procedural](TypeProcedural, Info{Name: "procedural", Networked: true})
	register[Sleeping](TypeSleeping, Info{Name: "sleeping", Networked: true})
	register[SleepingDisabled](TypeSleepingDisabled, Info{Name: "sleeping_disabled"})

	for id := ecs.TypeID(0); id < numTypes; id++ {
		if infos[id].Networked {
			networkedTypes = append(networkedTypes, id)
		}
		switch id {
		case TypeGraphNode, TypeGraphEdge, TypeDiscontinuity:
			// Graph indices are registry-local and rebuilt on import;
			// discontinuities are presentation state and never shared.
		default:
			sharedTypes = append(sharedTypes, id)
		}
	}
	for ordinal, id := range networkedTypes {
		poolOrdinals[id] = ordinal
	}
}

var (
	networkedTypes []ecs.TypeID
	sharedTypes    []ecs.TypeID
	poolOrdinals   = map[ecs.TypeID]int{}
)

// RegisterAll adds a column for every component type to the registry.
func RegisterAll(r *ecs.Registry) {
	for id := ecs.TypeID(0); id < numTypes; id++ {
		infos[id].add(r)
	}
}

// NumTypes returns the size of the closed component list.
func NumTypes() int { return int(numTypes) }

// InfoOf returns the metadata for a type ID.
func InfoOf(id ecs.TypeID) Info {
	if id < 0 || id >= numTypes {
		return Info{}
	}
	return infos[id]
}

// Name returns the registered name, or a placeholder for unknown IDs.
func Name(id ecs.TypeID) string {
	if id < 0 || id >= numTypes {
		return fmt.Sprintf("type(%d)", id)
	}
	return infos[id].Name
}

// NetworkedTypes returns the replicated type list in pool-ordinal order.
// Callers must not mutate the returned slice.
func NetworkedTypes() []ecs.TypeID { return networkedTypes }

// SharedTypes returns the types carried in coordinator/worker deltas:
// everything except registry-local and presentation-only state. Callers
// must not mutate the returned slice.
func SharedTypes() []ecs.TypeID { return sharedTypes }

// PoolOrdinal maps a type ID to its stable wire ordinal.
func PoolOrdinal(id ecs.TypeID) (int, bool) {
	ordinal, ok := poolOrdinals[id]
	return ordinal, ok
}

// TypeFromOrdinal maps a wire ordinal back to the type ID.
func TypeFromOrdinal(ordinal int) (ecs.TypeID, bool) {
	if ordinal < 0 || ordinal >= len(networkedTypes) {
		return 0, false
	}
	return networkedTypes[ordinal], true
}

// Decode unmarshals a wire value for the given type.
func Decode(id ecs.TypeID, raw json.RawMessage) (any, error) {
	if id < 0 || id >= numTypes || infos[id].decode == nil {
		return nil, fmt.Errorf("unknown component type %d", id)
	}
	return infos[id].decode(raw)
}

// RemapEntities rewrites entity references inside a component value through
// f. Values without entity references pass through unchanged.
func RemapEntities(id ecs.TypeID, v any, f func(ecs.Entity) ecs.Entity) any {
	if id < 0 || id >= numTypes || infos[id].remap == nil {
		return v
	}
	return infos[id].remap(v, f)
}

// IsTransient reports whether the type travels in transient snapshots.
func IsTransient(id ecs.TypeID) bool {
	return id >= 0 && id < numTypes && infos[id].Transient
}

// IsInput reports whether the type bypasses the server ownership check.
func IsInput(id ecs.TypeID) bool {
	return id >= 0 && id < numTypes && infos[id].Input
}

// IsNetworked reports whether the type is replicated at all.
func IsNetworked(id ecs.TypeID) bool {
	return id >= 0 && id < numTypes && infos[id].Networked
}
