// Package ecs implements the columnar entity/component store shared by the
// coordinator and every island worker. Each component type occupies one dense
// column indexed through a sparse set, so membership tests stay O(1) and
// iteration walks contiguous memory.
package ecs

import "fmt"

// Entity is an opaque generation-indexed handle. The zero value is the null
// entity and never refers to a live row.
type Entity struct {
	ID  uint32 `json:"id"`
	Gen uint32 `json:"gen"`
}

// Null is the invalid entity handle.
var Null = Entity{}

// IsNull reports whether the handle is the null entity.
func (e Entity) IsNull() bool {
	return e.Gen == 0
}

func (e Entity) String() string {
	return fmt.Sprintf("entity(%d:%d)", e.ID, e.Gen)
}

// TypeID identifies a registered component type. IDs are assigned at
// registration and stay stable for the lifetime of the process.
type TypeID int

// MaxComponentTypes bounds the number of registrable component columns.
const MaxComponentTypes = 64

type entityMeta struct {
	gen   uint32
	alive bool
}
