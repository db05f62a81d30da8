package netpkt

import (
	"encoding/json"
	"fmt"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

type envelope struct {
	Ver     int             `json:"ver"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a packet in the versioned envelope.
func Encode(p Packet) ([]byte, error) {
	name, err := typeName(p)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(envelope{Ver: Version, Type: name, Payload: payload})
}

func typeName(p Packet) (string, error) {
	switch p.(type) {
	case ClientCreated:
		return TypeClientCreated, nil
	case UpdateEntityMap:
		return TypeUpdateEntityMap, nil
	case CreateEntity:
		return TypeCreateEntity, nil
	case DestroyEntity:
		return TypeDestroyEntity, nil
	case TransientSnapshot:
		return TypeTransientSnapshot, nil
	case GeneralSnapshot:
		return TypeGeneralSnapshot, nil
	case EntityRequest:
		return TypeEntityRequest, nil
	case EntityResponse:
		return TypeEntityResponse, nil
	case SetPlayoutDelay:
		return TypeSetPlayoutDelay, nil
	case TimeRequest:
		return TypeTimeRequest, nil
	case TimeResponse:
		return TypeTimeResponse, nil
	}
	return "", fmt.Errorf("unknown packet variant %T", p)
}

// Decode unwraps an envelope. A malformed envelope or an unknown type is a
// protocol error; callers log at warn and drop.
func Decode(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case TypeClientCreated:
		return unmarshalAs[ClientCreated](env)
	case TypeUpdateEntityMap:
		return unmarshalAs[UpdateEntityMap](env)
	case TypeCreateEntity:
		return unmarshalAs[CreateEntity](env)
	case TypeDestroyEntity:
		return unmarshalAs[DestroyEntity](env)
	case TypeTransientSnapshot:
		return unmarshalAs[TransientSnapshot](env)
	case TypeGeneralSnapshot:
		return unmarshalAs[GeneralSnapshot](env)
	case TypeEntityRequest:
		return unmarshalAs[EntityRequest](env)
	case TypeEntityResponse:
		return unmarshalAs[EntityResponse](env)
	case TypeSetPlayoutDelay:
		return unmarshalAs[SetPlayoutDelay](env)
	case TypeTimeRequest:
		return unmarshalAs[TimeRequest](env)
	case TypeTimeResponse:
		return unmarshalAs[TimeResponse](env)
	}
	return nil, fmt.Errorf("unknown packet type %q", env.Type)
}

func unmarshalAs[T Packet](env envelope) (Packet, error) {
	var pkt T
	if err := json.Unmarshal(env.Payload, &pkt); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return pkt, nil
}

// DecodePoolValue resolves a pool entry's value through the component
// codec table. Unknown ordinals are protocol errors.
func DecodePoolValue(pool Pool, entry PoolEntry) (ecs.TypeID, any, error) {
	t, ok := pool.ComponentType()
	if !ok {
		return 0, nil, fmt.Errorf("unknown component index %d", pool.ComponentIndex)
	}
	value, err := comp.Decode(t, entry.Value)
	if err != nil {
		return 0, nil, err
	}
	return t, value, nil
}

// PoolFor starts a pool for the given component type. Non-networked types
// are a caller bug.
func PoolFor(t ecs.TypeID) (Pool, error) {
	ordinal, ok := comp.PoolOrdinal(t)
	if !ok {
		return Pool{}, fmt.Errorf("component %s is not networked", comp.Name(t))
	}
	return Pool{ComponentIndex: ordinal}, nil
}
