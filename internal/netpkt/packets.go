// Package netpkt defines the wire protocol: a closed set of packet
// variants with a JSON envelope codec. Component pools travel keyed by the
// stable networked-component ordinal, so both endpoints must be built from
// the same component list.
package netpkt

import (
	"encoding/json"
	"fmt"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Packet type identifiers.
const (
	TypeClientCreated     = "clientCreated"
	TypeUpdateEntityMap   = "updateEntityMap"
	TypeCreateEntity      = "createEntity"
	TypeDestroyEntity     = "destroyEntity"
	TypeTransientSnapshot = "transientSnapshot"
	TypeGeneralSnapshot   = "generalSnapshot"
	TypeEntityRequest     = "entityRequest"
	TypeEntityResponse    = "entityResponse"
	TypeSetPlayoutDelay   = "setPlayoutDelay"
	TypeTimeRequest       = "timeRequest"
	TypeTimeResponse      = "timeResponse"
)

// PoolEntry is one serialized component value, keyed by the sender-space
// entity.
type PoolEntry struct {
	Entity ecs.Entity      `json:"entity"`
	Value  json.RawMessage `json:"value"`
}

// Pool groups serialized values of one component type. ComponentIndex is
// the stable ordinal into the registered-networked-components list.
type Pool struct {
	ComponentIndex int         `json:"componentIndex"`
	Entries        []PoolEntry `json:"entries"`
}

// ComponentType resolves the pool's ordinal back to a type ID.
func (p Pool) ComponentType() (ecs.TypeID, bool) {
	return comp.TypeFromOrdinal(p.ComponentIndex)
}

// AppendEntry marshals a component value into the pool.
func (p *Pool) AppendEntry(e ecs.Entity, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal pool entry: %w", err)
	}
	p.Entries = append(p.Entries, PoolEntry{Entity: e, Value: raw})
	return nil
}

// Packet is the closed variant set crossing the client/server boundary.
type Packet interface {
	isPacket()
}

// ClientCreated tells a freshly connected client its client entity.
type ClientCreated struct {
	ClientEntity ecs.Entity `json:"clientEntity"`
}

// UpdateEntityMap shares (sender, receiver) handle associations.
type UpdateEntityMap struct {
	Pairs     []ecs.Pair `json:"pairs"`
	Timestamp float64    `json:"timestamp"`
}

// CreateEntity replicates entities with their full component pools.
type CreateEntity struct {
	Timestamp float64      `json:"timestamp"`
	Entities  []ecs.Entity `json:"entities"`
	Pools     []Pool       `json:"pools"`
}

// DestroyEntity replicates entity destruction.
type DestroyEntity struct {
	Timestamp float64      `json:"timestamp"`
	Entities  []ecs.Entity `json:"entities"`
}

// TransientSnapshot carries the continuously changing components.
type TransientSnapshot struct {
	Timestamp float64 `json:"timestamp"`
	Pools     []Pool  `json:"pools"`
}

// GeneralSnapshot carries dirty non-transient components.
type GeneralSnapshot struct {
	Timestamp float64 `json:"timestamp"`
	Pools     []Pool  `json:"pools"`
}

// EntityRequest asks the peer for unknown entities.
type EntityRequest struct {
	Entities []ecs.Entity `json:"entities"`
}

// EntityResponse answers with the entities and their pools.
type EntityResponse struct {
	Entities []ecs.Entity `json:"entities"`
	Pools    []Pool       `json:"pools"`
}

// SetPlayoutDelay tells a client how long the server buffers its input.
type SetPlayoutDelay struct {
	Value float64 `json:"value"`
}

// TimeRequest is one half of a clock sync round trip.
type TimeRequest struct {
	ID        uint32  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

// TimeResponse is the peer's answer carrying its local time.
type TimeResponse struct {
	ID        uint32  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

func (ClientCreated) isPacket()     {}
func (UpdateEntityMap) isPacket()   {}
func (CreateEntity) isPacket()      {}
func (DestroyEntity) isPacket()     {}
func (TransientSnapshot) isPacket() {}
func (GeneralSnapshot) isPacket()   {}
func (EntityRequest) isPacket()     {}
func (EntityResponse) isPacket()    {}
func (SetPlayoutDelay) isPacket()   {}
func (TimeRequest) isPacket()       {}
func (TimeResponse) isPacket()      {}

// Timestamp returns the packet's embedded timestamp for timed variants.
// Non-timed packets report ok=false and are processed on receipt.
func Timestamp(p Packet) (float64, bool) {
	switch pkt := p.(type) {
	case CreateEntity:
		return pkt.Timestamp, true
	case DestroyEntity:
		return pkt.Timestamp, true
	case TransientSnapshot:
		return pkt.Timestamp, true
	case GeneralSnapshot:
		return pkt.Timestamp, true
	}
	return 0, false
}
