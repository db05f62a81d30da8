package netsync

import (
	"context"
	"fmt"

	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/island"
	"stonefall/engine/internal/netpkt"
	"stonefall/engine/internal/telemetry"
	"stonefall/engine/internal/vmath"
	"stonefall/engine/logging"
	lognet "stonefall/engine/logging/network"
)

// Transport delivers packets to one peer. Implementations serialize with
// netpkt.Encode; failures are reported back for the caller to log.
type Transport interface {
	Send(p netpkt.Packet) error
}

// TransportFunc adapts functions into Transport.
type TransportFunc func(p netpkt.Packet) error

func (f TransportFunc) Send(p netpkt.Packet) error {
	if f == nil {
		return nil
	}
	return f(p)
}

// ServerConfig tunes snapshot emission and playout delay control.
type ServerConfig struct {
	SnapshotRate           float64
	PlayoutDelayMultiplier float64
	AOIHalfExtent          float64
	Logger                 telemetry.Logger
	Publisher              logging.Publisher
	Now                    func() float64
}

// DefaultServerConfig mirrors the documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SnapshotRate:           30,
		PlayoutDelayMultiplier: 1.2,
		AOIHalfExtent:          50,
	}
}

// playoutDelayHysteresis is the minimum change worth telling a client
// about.
const playoutDelayHysteresis = 0.002

// RemoteClient is the server-side state for one connected client.
type RemoteClient struct {
	Entity    ecs.Entity // server entity representing the client
	transport Transport

	emap  *ecs.EntityMap // client handle -> server handle
	owned map[ecs.Entity]bool

	queue *PacketQueue
	clock *ClockSync

	rtt          float64
	snapshotRate float64
	lastSnapshot float64
	playoutDelay float64

	aoiRegion   vmath.AABB
	aoiEntities map[ecs.Entity]bool
}

// SetRoundTripTime records the measured RTT used for playout delay.
func (rc *RemoteClient) SetRoundTripTime(rtt float64) { rc.rtt = rtt }

// EntityMap exposes the handle translation for tests and tooling.
func (rc *RemoteClient) EntityMap() *ecs.EntityMap { return rc.emap }

// Owned reports whether the client owns the server-space entity.
func (rc *RemoteClient) Owned(e ecs.Entity) bool { return rc.owned[e] }

// PlayoutDelay returns the last delay sent to the client.
func (rc *RemoteClient) PlayoutDelay() float64 { return rc.playoutDelay }

// Server observes the coordinator's world and replicates it to clients.
// All methods run on the main goroutine.
type Server struct {
	coord   *island.Coordinator
	cfg     ServerConfig
	clients map[ecs.Entity]*RemoteClient
	now     func() float64
}

func NewServer(coord *island.Coordinator, cfg ServerConfig) *Server {
	if cfg.SnapshotRate <= 0 {
		cfg.SnapshotRate = 30
	}
	if cfg.PlayoutDelayMultiplier <= 0 {
		cfg.PlayoutDelayMultiplier = 1.2
	}
	if cfg.AOIHalfExtent <= 0 {
		cfg.AOIHalfExtent = 50
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
	return &Server{
		coord:   coord,
		cfg:     cfg,
		clients: make(map[ecs.Entity]*RemoteClient),
		now:     cfg.Now,
	}
}

// Connect registers a client and tells it its client entity.
func (s *Server) Connect(transport Transport) (*RemoteClient, error) {
	clientEntity := s.coord.Registry().Create()
	rc := &RemoteClient{
		Entity:       clientEntity,
		transport:    transport,
		emap:         ecs.NewEntityMap(),
		owned:        make(map[ecs.Entity]bool),
		queue:        NewPacketQueue(),
		clock:        NewClockSync(),
		snapshotRate: s.cfg.SnapshotRate,
		aoiEntities:  make(map[ecs.Entity]bool),
	}
	s.clients[clientEntity] = rc
	if err := transport.Send(netpkt.ClientCreated{ClientEntity: clientEntity}); err != nil {
		return nil, fmt.Errorf("send client_created: %w", err)
	}
	s.cfg.Logger.Printf("client %v connected", clientEntity)
	return rc, nil
}

// Disconnect drops a client's replication state. Entities it created stay
// in the world.
func (s *Server) Disconnect(clientEntity ecs.Entity) {
	delete(s.clients, clientEntity)
}

// Receive feeds one encoded packet from a client. Malformed packets are
// logged at warn and dropped; they never terminate the server.
func (s *Server) Receive(clientEntity ecs.Entity, data []byte) {
	rc, ok := s.clients[clientEntity]
	if !ok {
		return
	}
	pkt, err := netpkt.Decode(data)
	if err != nil {
		s.cfg.Logger.Printf("dropping packet from %v: %v", clientEntity, err)
		lognet.PacketDropped(context.Background(), s.cfg.Publisher,
			clientRef(clientEntity), lognet.DropPayload{Reason: err.Error()})
		return
	}
	s.HandlePacket(rc, pkt)
}

// HandlePacket routes one decoded packet. Timed variants enqueue at their
// adjusted timestamp; the rest process immediately.
func (s *Server) HandlePacket(rc *RemoteClient, pkt netpkt.Packet) {
	now := s.now()
	if ts, timed := netpkt.Timestamp(pkt); timed {
		rc.queue.Push(pkt, rc.clock.Adjust(ts, now, rc.rtt))
		return
	}
	switch p := pkt.(type) {
	case netpkt.TimeRequest:
		s.send(rc, netpkt.TimeResponse{ID: p.ID, Timestamp: now})
	case netpkt.TimeResponse:
		rc.clock.HandleResponse(p.ID, p.Timestamp, now)
	case netpkt.UpdateEntityMap:
		for _, pair := range p.Pairs {
			rc.emap.Insert(pair.Remote, pair.Local)
		}
	case netpkt.EntityRequest:
		s.handleEntityRequest(rc, p)
	case netpkt.EntityResponse:
		// Intentionally a no-op: the server never requests entities.
	default:
		s.cfg.Logger.Printf("unexpected packet %T from client %v", pkt, rc.Entity)
	}
}

// Update runs the per-tick server reconciliation pass.
func (s *Server) Update() {
	now := s.now()
	owners := s.islandOwners()

	for _, clientEntity := range s.clientOrder() {
		rc := s.clients[clientEntity]

		if id, due := rc.clock.Update(now); due {
			s.send(rc, netpkt.TimeRequest{ID: id, Timestamp: now})
		}
		for {
			pkt, ok := rc.queue.PopDue(now)
			if !ok {
				break
			}
			s.processTimed(rc, pkt, owners)
		}

		s.updateAOI(rc, now, owners)
		s.updatePlayoutDelay(rc)
	}
}

func (s *Server) clientOrder() []ecs.Entity {
	order := make([]ecs.Entity, 0, len(s.clients))
	for e := range s.clients {
		order = append(order, e)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j].ID < order[j-1].ID; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

func (s *Server) send(rc *RemoteClient, pkt netpkt.Packet) {
	if err := rc.transport.Send(pkt); err != nil {
		s.cfg.Logger.Printf("send to client %v failed: %v", rc.Entity, err)
	}
}

func clientRef(e ecs.Entity) logging.EntityRef {
	return logging.EntityRef{ID: e.String(), Kind: logging.EntityKindClient}
}
