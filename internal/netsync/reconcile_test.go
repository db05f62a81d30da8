package netsync

import (
	"math"
	"sync"
	"testing"
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/netpkt"
	"stonefall/engine/internal/vmath"
)

type fakeClock struct {
	mu sync.Mutex
	t  float64
}

func (c *fakeClock) now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t float64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestCoordinator(clock *fakeClock) *island.Coordinator {
	return island.NewCoordinator(island.CoordinatorConfig{
		Settings: island.DefaultSettings(),
		Now:      clock.now,
	})
}

type capturingTransport struct {
	mu      sync.Mutex
	packets []netpkt.Packet
}

func (t *capturingTransport) Send(p netpkt.Packet) error {
	t.mu.Lock()
	t.packets = append(t.packets, p)
	t.mu.Unlock()
	return nil
}

func (t *capturingTransport) drain() []netpkt.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.packets
	t.packets = nil
	return out
}

func makeClientBody(coord *island.Coordinator, pos vmath.Vec3) ecs.Entity {
	return coord.MakeBody(island.BodyDef{
		Kind:      comp.KindDynamic,
		Position:  pos,
		Mass:      1,
		Shape:     &comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5},
		Networked: true,
	})
}

func positionPool(t *testing.T, e ecs.Entity, pos vmath.Vec3) netpkt.Pool {
	t.Helper()
	pool, err := netpkt.PoolFor(comp.TypePosition)
	if err != nil {
		t.Fatalf("PoolFor: %v", err)
	}
	if err := pool.AppendEntry(e, comp.Position{Value: pos}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	return pool
}

// Scenario: a transient snapshot applied without extrapolation snaps the
// body and leaves the jump in its discontinuity.
func TestSnapshotSnapWithoutExtrapolation(t *testing.T) {
	clock := &fakeClock{}
	coord := newTestCoordinator(clock)
	defer coord.Shutdown(2 * time.Second)

	cfg := DefaultClientConfig()
	cfg.ExtrapolationEnabled = false
	cfg.RoundTripTime = 0.1
	cfg.Now = clock.now
	transport := &capturingTransport{}
	client := NewClient(coord, transport, cfg)

	body := makeClientBody(coord, vmath.Vec3{X: 0.9})
	remote := ecs.Entity{ID: 77, Gen: 1}
	client.HandlePacket(netpkt.UpdateEntityMap{Pairs: []ecs.Pair{{Remote: remote, Local: body}}})

	clock.set(1.05)
	client.HandlePacket(netpkt.TransientSnapshot{
		Timestamp: 1.0,
		Pools:     []netpkt.Pool{positionPool(t, remote, vmath.Vec3{X: 1})},
	})
	client.Update()

	reg := coord.Registry()
	pos, _ := ecs.Get[comp.Position](reg, comp.TypePosition, body)
	if math.Abs(pos.Value.X-1.0) > 1e-9 {
		t.Fatalf("body should snap to x=1, got %v", pos.Value.X)
	}
	disc, ok := ecs.Get[comp.Discontinuity](reg, comp.TypeDiscontinuity, body)
	if !ok {
		t.Fatalf("discontinuity not recorded")
	}
	if math.Abs(disc.PositionOffset.X+0.1) > 1e-9 {
		t.Fatalf("discontinuity offset = %v, want -0.1", disc.PositionOffset.X)
	}
}

// Scenario: with extrapolation enabled the snapshot re-simulates forward
// and the applied state matches a reference integration.
func TestSnapshotExtrapolation(t *testing.T) {
	clock := &fakeClock{}
	coord := newTestCoordinator(clock)
	defer coord.Shutdown(2 * time.Second)

	cfg := DefaultClientConfig()
	cfg.RoundTripTime = 0.1
	cfg.Now = clock.now
	transport := &capturingTransport{}
	client := NewClient(coord, transport, cfg)

	zeroGravity := vmath.Vec3{}
	body := coord.MakeBody(island.BodyDef{
		Kind:      comp.KindDynamic,
		Position:  vmath.Vec3{X: 0.9},
		Mass:      1,
		Shape:     &comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5},
		Gravity:   &zeroGravity,
		Networked: true,
	})
	remote := ecs.Entity{ID: 77, Gen: 1}
	client.HandlePacket(netpkt.UpdateEntityMap{Pairs: []ecs.Pair{{Remote: remote, Local: body}}})
	client.HandlePacket(netpkt.SetPlayoutDelay{Value: 0.05})

	clock.set(1.05)
	pool := positionPool(t, remote, vmath.Vec3{X: 1})
	velPool, err := netpkt.PoolFor(comp.TypeLinVel)
	if err != nil {
		t.Fatalf("PoolFor: %v", err)
	}
	if err := velPool.AppendEntry(remote, comp.LinVel{Value: vmath.Vec3{X: 1}}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	client.HandlePacket(netpkt.TransientSnapshot{
		Timestamp: 1.0,
		Pools:     []netpkt.Pool{pool, velPool},
	})
	client.Update()
	if client.ActiveExtrapolations() != 1 {
		t.Fatalf("expected one extrapolation job, got %d", client.ActiveExtrapolations())
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.ActiveExtrapolations() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("extrapolation job never finished")
		}
		time.Sleep(5 * time.Millisecond)
		client.Update()
	}

	// tSnap = 1.05 - (0.05 + 0.05) = 0.95; six fixed steps at 1/60 catch
	// up to 1.05, integrating x from 1.0 at 1 m/s.
	reg := coord.Registry()
	pos, _ := ecs.Get[comp.Position](reg, comp.TypePosition, body)
	want := 1.0 + 6.0/60.0
	if math.Abs(pos.Value.X-want) > 1e-6 {
		t.Fatalf("extrapolated position %v, want %v", pos.Value.X, want)
	}
	disc, ok := ecs.Get[comp.Discontinuity](reg, comp.TypeDiscontinuity, body)
	if !ok {
		t.Fatalf("discontinuity not set from extrapolated difference")
	}
	if math.Abs(disc.PositionOffset.X-(0.9-want)) > 1e-6 {
		t.Fatalf("discontinuity %v, want %v", disc.PositionOffset.X, 0.9-want)
	}
}

// Scenario: snapshots referencing unknown entities trigger one entity
// request; the response installs the island and later snapshots apply
// without further requests.
func TestEntityRequestRoundTrip(t *testing.T) {
	clock := &fakeClock{}

	serverCoord := newTestCoordinator(clock)
	defer serverCoord.Shutdown(2 * time.Second)
	clientCoord := newTestCoordinator(clock)
	defer clientCoord.Shutdown(2 * time.Second)

	serverCfg := DefaultServerConfig()
	serverCfg.Now = clock.now
	server := NewServer(serverCoord, serverCfg)

	clientCfg := DefaultClientConfig()
	clientCfg.ExtrapolationEnabled = false
	clientCfg.Now = clock.now

	var client *Client
	var rc *RemoteClient
	toClient := TransportFunc(func(p netpkt.Packet) error {
		client.HandlePacket(p)
		return nil
	})
	toServer := TransportFunc(func(p netpkt.Packet) error {
		server.HandlePacket(rc, p)
		return nil
	})
	client = NewClient(clientCoord, toServer, clientCfg)
	var err error
	rc, err = server.Connect(toClient)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.ClientEntity().IsNull() {
		t.Fatalf("client_created handshake did not land")
	}

	serverBody := serverCoord.MakeBody(island.BodyDef{
		Kind:      comp.KindDynamic,
		Position:  vmath.Vec3{X: 2},
		Mass:      1,
		Shape:     &comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5},
		Networked: true,
	})

	// Snapshot references the body before any create_entity reached the
	// client.
	clock.set(0.5)
	client.HandlePacket(netpkt.TransientSnapshot{
		Timestamp: 0.5,
		Pools:     []netpkt.Pool{positionPool(t, serverBody, vmath.Vec3{X: 2})},
	})
	client.Update()

	local, ok := client.EntityMap().Local(serverBody)
	if !ok {
		t.Fatalf("entity_response did not install a mapping for %v", serverBody)
	}
	if !clientCoord.Registry().Alive(local) {
		t.Fatalf("local replica %v not created", local)
	}

	// A later snapshot must apply without a second request.
	clock.set(0.6)
	client.HandlePacket(netpkt.TransientSnapshot{
		Timestamp: 0.6,
		Pools:     []netpkt.Pool{positionPool(t, serverBody, vmath.Vec3{X: 2.5})},
	})
	client.Update()
	pos, _ := ecs.Get[comp.Position](clientCoord.Registry(), comp.TypePosition, local)
	if math.Abs(pos.Value.X-2.5) > 1e-9 {
		t.Fatalf("follow-up snapshot not applied: %v", pos.Value.X)
	}
}

// Scenario: the server only accepts state from the owning client; other
// clients' updates are silently discarded, except input components.
func TestServerOwnershipRule(t *testing.T) {
	clock := &fakeClock{}
	coord := newTestCoordinator(clock)
	defer coord.Shutdown(2 * time.Second)

	server := NewServer(coord, ServerConfig{Now: clock.now})
	ownerTransport := &capturingTransport{}
	otherTransport := &capturingTransport{}
	owner, err := server.Connect(ownerTransport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	other, err := server.Connect(otherTransport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	body := coord.MakeBody(island.BodyDef{
		Kind:      comp.KindDynamic,
		Position:  vmath.Vec3{},
		Mass:      1,
		Shape:     &comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5},
		Networked: true,
	})
	reg := coord.Registry()
	ecs.Set(reg, comp.TypeEntityOwner, body, comp.EntityOwner{Client: owner.Entity})
	owner.owned[body] = true
	owner.emap.Insert(ecs.Entity{ID: 1, Gen: 1}, body)
	other.emap.Insert(ecs.Entity{ID: 1, Gen: 1}, body)

	remote := ecs.Entity{ID: 1, Gen: 1}

	// The non-owner's position update must be discarded.
	server.HandlePacket(other, netpkt.TransientSnapshot{
		Timestamp: 0,
		Pools:     []netpkt.Pool{positionPool(t, remote, vmath.Vec3{X: 9})},
	})
	server.Update()
	pos, _ := ecs.Get[comp.Position](reg, comp.TypePosition, body)
	if pos.Value.X != 0 {
		t.Fatalf("non-owner update applied: %v", pos.Value.X)
	}

	// Input components always land, even from the non-owner path.
	inputPool, err := netpkt.PoolFor(comp.TypeControlInput)
	if err != nil {
		t.Fatalf("PoolFor: %v", err)
	}
	if err := inputPool.AppendEntry(remote, comp.ControlInput{Force: vmath.Vec3{X: 3}}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	server.HandlePacket(other, netpkt.TransientSnapshot{Timestamp: 0, Pools: []netpkt.Pool{inputPool}})
	server.Update()
	input, ok := ecs.Get[comp.ControlInput](reg, comp.TypeControlInput, body)
	if !ok || input.Force.X != 3 {
		t.Fatalf("input component dropped: %+v ok=%v", input, ok)
	}

	// The owner's update goes through.
	server.HandlePacket(owner, netpkt.TransientSnapshot{
		Timestamp: 0,
		Pools:     []netpkt.Pool{positionPool(t, remote, vmath.Vec3{X: 4})},
	})
	server.Update()
	pos, _ = ecs.Get[comp.Position](reg, comp.TypePosition, body)
	if pos.Value.X != 4 {
		t.Fatalf("owner update not applied: %v", pos.Value.X)
	}
}

// Scenario: playout delay follows the largest RTT in the region and is
// only re-sent on meaningful change.
func TestPlayoutDelayEmission(t *testing.T) {
	clock := &fakeClock{}
	coord := newTestCoordinator(clock)
	defer coord.Shutdown(2 * time.Second)

	server := NewServer(coord, ServerConfig{Now: clock.now, PlayoutDelayMultiplier: 2})
	transport := &capturingTransport{}
	rc, err := server.Connect(transport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	transport.drain() // client_created

	rc.SetRoundTripTime(0.1)
	server.Update()

	var gotDelay *netpkt.SetPlayoutDelay
	for _, pkt := range transport.drain() {
		if p, ok := pkt.(netpkt.SetPlayoutDelay); ok {
			gotDelay = &p
		}
	}
	if gotDelay == nil {
		t.Fatalf("expected a set_playout_delay packet")
	}
	if math.Abs(gotDelay.Value-0.1) > 1e-9 {
		t.Fatalf("delay = %v, want rtt/2 * multiplier = 0.1", gotDelay.Value)
	}

	// A sub-hysteresis change must not re-emit.
	rc.SetRoundTripTime(0.1005)
	server.Update()
	for _, pkt := range transport.drain() {
		if _, ok := pkt.(netpkt.SetPlayoutDelay); ok {
			t.Fatalf("delay re-sent for a change below the threshold")
		}
	}
}

// Scenario: bodies entering the client's region produce create_entity
// with full pools; the periodic transient snapshot covers them.
func TestServerRegionEmission(t *testing.T) {
	clock := &fakeClock{}
	coord := newTestCoordinator(clock)
	defer coord.Shutdown(2 * time.Second)

	server := NewServer(coord, ServerConfig{Now: clock.now, SnapshotRate: 30})
	transport := &capturingTransport{}
	if _, err := server.Connect(transport); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	transport.drain()

	coord.MakeBody(island.BodyDef{
		Kind:      comp.KindDynamic,
		Position:  vmath.Vec3{X: 1},
		Mass:      1,
		Shape:     &comp.Shape{Kind: comp.ShapeSphere, Radius: 0.5},
		Networked: true,
	})

	clock.set(1.0)
	server.Update()

	var sawCreate, sawTransient bool
	for _, pkt := range transport.drain() {
		switch pkt.(type) {
		case netpkt.CreateEntity:
			sawCreate = true
		case netpkt.TransientSnapshot:
			sawTransient = true
		}
	}
	if !sawCreate {
		t.Fatalf("expected create_entity for body entering the region")
	}
	if !sawTransient {
		t.Fatalf("expected a transient snapshot at the snapshot rate")
	}
}
