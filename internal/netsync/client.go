package netsync

import (
	"context"
	"time"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/netpkt"
	"stonefall/engine/internal/telemetry"
	"stonefall/engine/logging"
	lognet "stonefall/engine/logging/network"
)

// ClientConfig tunes client-side reconciliation.
type ClientConfig struct {
	SnapshotRate                float64
	RoundTripTime               float64
	ExtrapolationEnabled        bool
	MaxConcurrentExtrapolations int
	DiscontinuityDecayRate      float64
	ExtrapolationBudget         time.Duration
	Logger                      telemetry.Logger
	Publisher                   logging.Publisher
	Now                         func() float64
}

// DefaultClientConfig mirrors the documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SnapshotRate:                30,
		ExtrapolationEnabled:        true,
		MaxConcurrentExtrapolations: 2,
		DiscontinuityDecayRate:      0.8,
		ExtrapolationBudget:         100 * time.Millisecond,
	}
}

// Client keeps the local world in sync with an authoritative server:
// applying snapshots directly or through extrapolation, requesting unknown
// entities, and feeding local input upstream.
type Client struct {
	coord     *island.Coordinator
	cfg       ClientConfig
	transport Transport

	emap         *ecs.EntityMap // server handle -> local handle
	clientRemote ecs.Entity     // our entity in the server's space

	clock   *ClockSync
	queue   *PacketQueue
	history *InputHistory
	jobs    []*ExtrapolationJob

	owned     map[ecs.Entity]bool // local entities we created
	announced map[ecs.Entity]bool
	requested map[ecs.Entity]bool // server handles awaiting entity_response
	netDirty  []appliedEntry

	serverPlayoutDelay float64
	lastTransient      float64
	timedOut           bool
	now                func() float64
}

func NewClient(coord *island.Coordinator, transport Transport, cfg ClientConfig) *Client {
	if cfg.SnapshotRate <= 0 {
		cfg.SnapshotRate = 30
	}
	if cfg.MaxConcurrentExtrapolations <= 0 {
		cfg.MaxConcurrentExtrapolations = 2
	}
	if cfg.DiscontinuityDecayRate <= 0 {
		cfg.DiscontinuityDecayRate = 0.8
	}
	if cfg.ExtrapolationBudget <= 0 {
		cfg.ExtrapolationBudget = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = island.WallClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	return &Client{
		coord:     coord,
		cfg:       cfg,
		transport: transport,
		emap:      ecs.NewEntityMap(),
		clock:     NewClockSync(),
		queue:     NewPacketQueue(),
		history:   NewInputHistory(2),
		owned:     make(map[ecs.Entity]bool),
		announced: make(map[ecs.Entity]bool),
		requested: make(map[ecs.Entity]bool),
		now:       cfg.Now,
	}
}

// EntityMap exposes the handle translation for tests and tooling.
func (c *Client) EntityMap() *ecs.EntityMap { return c.emap }

// ClientEntity returns our server-space handle, null before the handshake.
func (c *Client) ClientEntity() ecs.Entity { return c.clientRemote }

// InputHistory exposes the buffered inputs.
func (c *Client) InputHistory() *InputHistory { return c.history }

// ServerPlayoutDelay returns the last value the server pushed.
func (c *Client) ServerPlayoutDelay() float64 { return c.serverPlayoutDelay }

// ActiveExtrapolations reports the in-flight job count.
func (c *Client) ActiveExtrapolations() int { return len(c.jobs) }

// Own marks a locally created entity as owned by this client, to be
// announced on the next tick.
func (c *Client) Own(e ecs.Entity) {
	c.owned[e] = true
}

// Receive feeds one encoded packet from the server.
func (c *Client) Receive(data []byte) {
	pkt, err := netpkt.Decode(data)
	if err != nil {
		c.cfg.Logger.Printf("dropping server packet: %v", err)
		lognet.PacketDropped(context.Background(), c.cfg.Publisher,
			logging.EntityRef{Kind: logging.EntityKindWorld}, lognet.DropPayload{Reason: err.Error()})
		return
	}
	c.HandlePacket(pkt)
}

// HandlePacket routes one decoded packet.
func (c *Client) HandlePacket(pkt netpkt.Packet) {
	now := c.now()
	if ts, timed := netpkt.Timestamp(pkt); timed {
		c.queue.Push(pkt, c.clock.Adjust(ts, now, c.cfg.RoundTripTime))
		return
	}
	switch p := pkt.(type) {
	case netpkt.ClientCreated:
		c.clientRemote = p.ClientEntity
	case netpkt.SetPlayoutDelay:
		c.serverPlayoutDelay = p.Value
	case netpkt.UpdateEntityMap:
		for _, pair := range p.Pairs {
			c.emap.Insert(pair.Remote, pair.Local)
		}
	case netpkt.TimeRequest:
		c.send(netpkt.TimeResponse{ID: p.ID, Timestamp: now})
	case netpkt.TimeResponse:
		c.clock.HandleResponse(p.ID, p.Timestamp, now)
	case netpkt.EntityResponse:
		c.handleEntityResponse(p)
	case netpkt.EntityRequest:
		// Intentionally a no-op on the client.
	}
}

// Update runs the per-tick client pass. Call it before the coordinator's
// Update so dirty state routed to workers includes network imports.
func (c *Client) Update() {
	now := c.now()

	if id, due := c.clock.Update(now); due {
		c.send(netpkt.TimeRequest{ID: id, Timestamp: now})
	}

	for {
		pkt, ok := c.queue.PopDue(now)
		if !ok {
			break
		}
		c.processTimed(pkt, now)
	}

	c.drainExtrapolations()
	c.announceLocalEntities(now)
	c.recordInputs(now)

	if now-c.lastTransient >= 1.0/c.cfg.SnapshotRate {
		c.lastTransient = now
		c.emitTransient(now)
	}
	c.emitGeneral(now)
	c.mergeNetworkDirty()
}

func (c *Client) send(pkt netpkt.Packet) {
	if err := c.transport.Send(pkt); err != nil {
		c.cfg.Logger.Printf("send to server failed: %v", err)
	}
}

// announceLocalEntities ships creations and destructions of locally owned
// networked entities since the last tick.
func (c *Client) announceLocalEntities(now float64) {
	reg := c.coord.Registry()

	var created []ecs.Entity
	for e := range c.owned {
		if !c.announced[e] && reg.Alive(e) && reg.Has(comp.TypeNetworked, e) {
			created = append(created, e)
		}
	}
	sortEntitiesByID(created)
	for _, e := range created {
		c.announced[e] = true
	}
	if len(created) > 0 {
		pools, err := buildPools(reg, created, nil)
		if err != nil {
			c.cfg.Logger.Printf("create_entity: %v", err)
		} else {
			c.send(netpkt.CreateEntity{Timestamp: now, Entities: created, Pools: pools})
		}
	}

	var destroyed []ecs.Entity
	for e := range c.announced {
		if !reg.Alive(e) {
			destroyed = append(destroyed, e)
			delete(c.announced, e)
			delete(c.owned, e)
		}
	}
	sortEntitiesByID(destroyed)
	if len(destroyed) > 0 {
		c.send(netpkt.DestroyEntity{Timestamp: now, Entities: destroyed})
	}
}

// recordInputs appends the current input components of owned entities to
// the history, keyed by local time.
func (c *Client) recordInputs(now float64) {
	reg := c.coord.Registry()
	for e := range c.owned {
		if input, ok := ecs.Get[comp.ControlInput](reg, comp.TypeControlInput, e); ok {
			c.history.Append(now, e, input)
		}
	}
}

// emitTransient gathers transient components of every entity in islands
// containing at least one locally owned entity, excluding entities owned
// by other clients, and ships them.
func (c *Client) emitTransient(now float64) {
	reg := c.coord.Registry()
	ownedIslands := map[ecs.Entity]bool{}
	for e := range c.owned {
		for _, islandEntity := range c.islandsOf(e) {
			ownedIslands[islandEntity] = true
		}
	}
	if len(ownedIslands) == 0 {
		return
	}

	var entities []ecs.Entity
	collect := func(e ecs.Entity) {
		// Entities carrying an owner we did not create belong to another
		// client; their state is not ours to report.
		if !c.owned[e] && reg.Has(comp.TypeEntityOwner, e) {
			return
		}
		entities = append(entities, e)
	}
	ecs.Each(reg, comp.TypeIslandResident, func(e ecs.Entity, res *comp.IslandResident) {
		if ownedIslands[res.Island] {
			collect(e)
		}
	})
	ecs.Each(reg, comp.TypeMultiIslandResident, func(e ecs.Entity, res *comp.MultiIslandResident) {
		for _, islandEntity := range res.Islands {
			if ownedIslands[islandEntity] {
				collect(e)
				return
			}
		}
	})
	if len(entities) == 0 {
		return
	}
	sortEntitiesByID(entities)
	pools, err := buildPools(reg, entities, comp.IsTransient)
	if err != nil {
		c.cfg.Logger.Printf("transient_snapshot: %v", err)
		return
	}
	if len(pools) > 0 {
		c.send(netpkt.TransientSnapshot{Timestamp: now, Pools: pools})
	}
}

// emitGeneral ships dirty non-transient networked components.
func (c *Client) emitGeneral(now float64) {
	reg := c.coord.Registry()
	var pools []netpkt.Pool
	poolIdx := map[ecs.TypeID]int{}

	reg.EachDirty(func(e ecs.Entity, d *ecs.Dirty) {
		if !reg.Has(comp.TypeNetworked, e) {
			return
		}
		for _, t := range append(append([]ecs.TypeID(nil), d.Created...), d.Updated...) {
			if !comp.IsNetworked(t) || comp.IsTransient(t) {
				continue
			}
			v, ok := reg.GetAny(t, e)
			if !ok {
				continue
			}
			idx, started := poolIdx[t]
			if !started {
				pool, err := netpkt.PoolFor(t)
				if err != nil {
					continue
				}
				pools = append(pools, pool)
				idx = len(pools) - 1
				poolIdx[t] = idx
			}
			if err := pools[idx].AppendEntry(e, v); err != nil {
				c.cfg.Logger.Printf("general_snapshot: %v", err)
			}
		}
	})
	if len(pools) > 0 {
		c.send(netpkt.GeneralSnapshot{Timestamp: now, Pools: pools})
	}
}

// mergeNetworkDirty folds packet-import markers into the regular dirty set
// so the coordinator's next delta carries them to the workers.
func (c *Client) mergeNetworkDirty() {
	reg := c.coord.Registry()
	for _, entry := range c.netDirty {
		if reg.Alive(entry.entity) {
			reg.MarkUpdated(entry.entity, entry.t)
		}
	}
	c.netDirty = c.netDirty[:0]
}

func (c *Client) islandsOf(e ecs.Entity) []ecs.Entity {
	reg := c.coord.Registry()
	if res, ok := ecs.Get[comp.IslandResident](reg, comp.TypeIslandResident, e); ok {
		return []ecs.Entity{res.Island}
	}
	if res, ok := ecs.Get[comp.MultiIslandResident](reg, comp.TypeMultiIslandResident, e); ok {
		return res.Islands
	}
	return nil
}
