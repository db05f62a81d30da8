package netpkt

import (
	"testing"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	pool, err := PoolFor(comp.TypePosition)
	if err != nil {
		t.Fatalf("PoolFor: %v", err)
	}
	body := ecs.Entity{ID: 5, Gen: 2}
	if err := pool.AppendEntry(body, comp.Position{Value: vmath.Vec3{X: 1.5, Y: -2}}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	original := TransientSnapshot{Timestamp: 12.25, Pools: []Pool{pool}}
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	snapshot, ok := decoded.(TransientSnapshot)
	if !ok {
		t.Fatalf("decoded wrong variant %T", decoded)
	}
	if snapshot.Timestamp != original.Timestamp {
		t.Fatalf("timestamp mismatch: %v", snapshot.Timestamp)
	}

	typeID, value, err := DecodePoolValue(snapshot.Pools[0], snapshot.Pools[0].Entries[0])
	if err != nil {
		t.Fatalf("DecodePoolValue: %v", err)
	}
	if typeID != comp.TypePosition {
		t.Fatalf("expected position pool, got %s", comp.Name(typeID))
	}
	pos := value.(comp.Position)
	if pos.Value.X != 1.5 || pos.Value.Y != -2 {
		t.Fatalf("value mismatch: %+v", pos)
	}
	if snapshot.Pools[0].Entries[0].Entity != body {
		t.Fatalf("entity handle mismatch: %+v", snapshot.Pools[0].Entries[0].Entity)
	}
}

func TestDecodeRejectsUnknownTypeAndGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{"ver":1,"type":"warpDrive","payload":{}}`)); err == nil {
		t.Fatalf("unknown packet type must error")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("malformed envelope must error")
	}
	if _, err := Decode([]byte(`{"ver":1,"type":"timeRequest","payload":"nope"}`)); err == nil {
		t.Fatalf("malformed payload must error")
	}
}

func TestTimestampClassification(t *testing.T) {
	timed := []Packet{
		CreateEntity{Timestamp: 1},
		DestroyEntity{Timestamp: 2},
		TransientSnapshot{Timestamp: 3},
		GeneralSnapshot{Timestamp: 4},
	}
	for _, pkt := range timed {
		if _, ok := Timestamp(pkt); !ok {
			t.Fatalf("%T should be timed", pkt)
		}
	}
	untimed := []Packet{
		ClientCreated{}, UpdateEntityMap{}, EntityRequest{}, EntityResponse{},
		SetPlayoutDelay{}, TimeRequest{}, TimeResponse{},
	}
	for _, pkt := range untimed {
		if _, ok := Timestamp(pkt); ok {
			t.Fatalf("%T should not be timed", pkt)
		}
	}
}

func TestPoolForRejectsLocalTypes(t *testing.T) {
	if _, err := PoolFor(comp.TypeGraphNode); err == nil {
		t.Fatalf("graph_node is not networked and must be rejected")
	}
}
