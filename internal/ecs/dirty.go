package ecs

// Dirty records which components of an entity changed outside an island step.
// The coordinator and the network layer append to it; the next sync drains it
// into a delta.
type Dirty struct {
	Created   []TypeID
	Updated   []TypeID
	Destroyed []TypeID
	// IsNewEntity marks an entity created since the last drain, so the
	// consumer emits a creation event before any component pools.
	IsNewEntity bool
}

func appendUniqueType(list []TypeID, t TypeID) []TypeID {
	for _, existing := range list {
		if existing == t {
			return list
		}
	}
	return append(list, t)
}

func (r *Registry) dirtyFor(e Entity) *Dirty {
	d, ok := r.dirty[e]
	if !ok {
		d = &Dirty{}
		r.dirty[e] = d
	}
	return d
}

// MarkNewEntity flags e as created since the last drain.
func (r *Registry) MarkNewEntity(e Entity) {
	r.dirtyFor(e).IsNewEntity = true
}

// MarkCreated records a component creation for the next sync.
func (r *Registry) MarkCreated(e Entity, types ...TypeID) {
	d := r.dirtyFor(e)
	for _, t := range types {
		d.Created = appendUniqueType(d.Created, t)
	}
}

// MarkUpdated records a component update for the next sync.
func (r *Registry) MarkUpdated(e Entity, types ...TypeID) {
	d := r.dirtyFor(e)
	for _, t := range types {
		d.Updated = appendUniqueType(d.Updated, t)
	}
}

// MarkDestroyed records a component destruction for the next sync.
func (r *Registry) MarkDestroyed(e Entity, types ...TypeID) {
	d := r.dirtyFor(e)
	for _, t := range types {
		d.Destroyed = appendUniqueType(d.Destroyed, t)
	}
}

// HasDirty reports whether any entity carries pending dirty state.
func (r *Registry) HasDirty() bool {
	return len(r.dirty) > 0
}

// DirtyOf returns the pending record for e, or nil.
func (r *Registry) DirtyOf(e Entity) *Dirty {
	return r.dirty[e]
}

// DrainDirty visits every pending record and clears the set. Iteration order
// follows entity ID for reproducible delta layouts.
func (r *Registry) DrainDirty(fn func(Entity, *Dirty)) {
	if len(r.dirty) == 0 {
		return
	}
	ids := make([]Entity, 0, len(r.dirty))
	for e := range r.dirty {
		ids = append(ids, e)
	}
	sortEntities(ids)
	for _, e := range ids {
		fn(e, r.dirty[e])
	}
	clear(r.dirty)
}

// EachDirty visits every pending record without clearing the set, in
// entity ID order. The network layer peeks at dirty state the coordinator
// drains later the same tick.
func (r *Registry) EachDirty(fn func(Entity, *Dirty)) {
	if len(r.dirty) == 0 {
		return
	}
	ids := make([]Entity, 0, len(r.dirty))
	for e := range r.dirty {
		ids = append(ids, e)
	}
	sortEntities(ids)
	for _, e := range ids {
		fn(e, r.dirty[e])
	}
}

// ClearDirty drops all pending records without visiting them.
func (r *Registry) ClearDirty() {
	clear(r.dirty)
}

func sortEntities(ents []Entity) {
	// Insertion sort; dirty sets are small between drains.
	for i := 1; i < len(ents); i++ {
		for j := i; j > 0 && ents[j].ID < ents[j-1].ID; j-- {
			ents[j], ents[j-1] = ents[j-1], ents[j]
		}
	}
}
