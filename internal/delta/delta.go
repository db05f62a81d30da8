// Package delta implements the serializable create/update/destroy packages
// exchanged between the coordinator and island workers, and reused by the
// network layer for snapshot import. All entity handles inside a delta are in
// the sender's handle space; importers translate through an entity map.
package delta

import (
	"sort"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

// Entry is one (entity, value) element of a component pool.
type Entry struct {
	Entity ecs.Entity `json:"entity"`
	Value  any        `json:"value"`
}

// Pool groups created or updated component values of one type.
type Pool struct {
	Type    ecs.TypeID `json:"type"`
	Entries []Entry    `json:"entries"`
}

// DestroyedPool lists entities that lost a component of one type.
type DestroyedPool struct {
	Type     ecs.TypeID   `json:"type"`
	Entities []ecs.Entity `json:"entities"`
}

// Delta is a typed record of world mutations.
type Delta struct {
	CreatedEntities   []ecs.Entity    `json:"createdEntities,omitempty"`
	DestroyedEntities []ecs.Entity    `json:"destroyedEntities,omitempty"`
	Mappings          []ecs.Pair      `json:"mappings,omitempty"`
	Created           []Pool          `json:"created,omitempty"`
	Updated           []Pool          `json:"updated,omitempty"`
	Destroyed         []DestroyedPool `json:"destroyed,omitempty"`
}

// Empty reports whether the delta carries no information.
func (d *Delta) Empty() bool {
	return len(d.CreatedEntities) == 0 &&
		len(d.DestroyedEntities) == 0 &&
		len(d.Mappings) == 0 &&
		len(d.Created) == 0 &&
		len(d.Updated) == 0 &&
		len(d.Destroyed) == 0
}

// Builder accumulates mutations into a delta. Not safe for concurrent use;
// each worker and the coordinator own one per destination.
type Builder struct {
	d            Delta
	createdIdx   map[ecs.TypeID]int
	updatedIdx   map[ecs.TypeID]int
	destroyedIdx map[ecs.TypeID]int
	createdSet   map[ecs.Entity]bool
	destroyedSet map[ecs.Entity]bool
}

func NewBuilder() *Builder {
	return &Builder{
		createdIdx:   make(map[ecs.TypeID]int),
		updatedIdx:   make(map[ecs.TypeID]int),
		destroyedIdx: make(map[ecs.TypeID]int),
		createdSet:   make(map[ecs.Entity]bool),
		destroyedSet: make(map[ecs.Entity]bool),
	}
}

// Created records an entity creation event.
func (b *Builder) Created(e ecs.Entity) {
	if b.createdSet[e] {
		return
	}
	b.createdSet[e] = true
	b.d.CreatedEntities = append(b.d.CreatedEntities, e)
}

// CreatedComponent records a new component value.
func (b *Builder) CreatedComponent(e ecs.Entity, t ecs.TypeID, v any) {
	pool := b.pool(&b.d.Created, b.createdIdx, t)
	pool.Entries = append(pool.Entries, Entry{Entity: e, Value: v})
}

// UpdatedComponent records a changed component value.
func (b *Builder) UpdatedComponent(e ecs.Entity, t ecs.TypeID, v any) {
	pool := b.pool(&b.d.Updated, b.updatedIdx, t)
	for i := range pool.Entries {
		if pool.Entries[i].Entity == e {
			pool.Entries[i].Value = v
			return
		}
	}
	pool.Entries = append(pool.Entries, Entry{Entity: e, Value: v})
}

// DestroyedComponent records a component removal.
func (b *Builder) DestroyedComponent(e ecs.Entity, t ecs.TypeID) {
	idx, ok := b.destroyedIdx[t]
	if !ok {
		b.d.Destroyed = append(b.d.Destroyed, DestroyedPool{Type: t})
		idx = len(b.d.Destroyed) - 1
		b.destroyedIdx[t] = idx
	}
	b.d.Destroyed[idx].Entities = append(b.d.Destroyed[idx].Entities, e)
}

// DestroyedEntity records an entity destruction event.
func (b *Builder) DestroyedEntity(e ecs.Entity) {
	if b.destroyedSet[e] {
		return
	}
	b.destroyedSet[e] = true
	b.d.DestroyedEntities = append(b.d.DestroyedEntities, e)
}

// InsertMapping records a known (sender, receiver) handle association.
func (b *Builder) InsertMapping(remote, local ecs.Entity) {
	for _, p := range b.d.Mappings {
		if p.Remote == remote {
			return
		}
	}
	b.d.Mappings = append(b.d.Mappings, ecs.Pair{Remote: remote, Local: local})
}

// UpdatedAll records the current value of every shared component on e.
func (b *Builder) UpdatedAll(e ecs.Entity, r *ecs.Registry) {
	for _, t := range comp.SharedTypes() {
		if v, ok := r.GetAny(t, e); ok {
			b.UpdatedComponent(e, t, v)
		}
	}
}

// CreatedAll records a creation event plus every shared component on e.
func (b *Builder) CreatedAll(e ecs.Entity, r *ecs.Registry) {
	b.Created(e)
	for _, t := range comp.SharedTypes() {
		if v, ok := r.GetAny(t, e); ok {
			b.CreatedComponent(e, t, v)
		}
	}
}

// HasEntity reports whether the delta records a creation event for the
// sender-space entity or references it in any update pool. Created-component
// pools are not searched.
func (b *Builder) HasEntity(e ecs.Entity) bool {
	if b.createdSet[e] {
		return true
	}
	for _, pool := range b.d.Updated {
		for _, entry := range pool.Entries {
			if entry.Entity == e {
				return true
			}
		}
	}
	return false
}

// Empty reports whether nothing was recorded yet.
func (b *Builder) Empty() bool { return b.d.Empty() }

// Finish returns the accumulated delta and resets the builder. Creation
// pools come out sorted by type ID so receivers construct dependencies
// before dependents.
func (b *Builder) Finish() Delta {
	d := b.d
	sort.Slice(d.Created, func(i, j int) bool { return d.Created[i].Type < d.Created[j].Type })
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].Type < d.Updated[j].Type })
	sort.Slice(d.Destroyed, func(i, j int) bool { return d.Destroyed[i].Type < d.Destroyed[j].Type })
	b.d = Delta{}
	clear(b.createdIdx)
	clear(b.updatedIdx)
	clear(b.destroyedIdx)
	clear(b.createdSet)
	clear(b.destroyedSet)
	return d
}

func (b *Builder) pool(pools *[]Pool, index map[ecs.TypeID]int, t ecs.TypeID) *Pool {
	if idx, ok := index[t]; ok {
		return &(*pools)[idx]
	}
	*pools = append(*pools, Pool{Type: t})
	idx := len(*pools) - 1
	index[t] = idx
	return &(*pools)[idx]
}
