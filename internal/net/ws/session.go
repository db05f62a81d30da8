// Package ws carries the wire protocol over websockets. Connection
// goroutines never touch the world; they hand raw packets to a gateway the
// main loop drains each tick.
package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/netpkt"
)

// Session wraps one websocket connection. Send may be called from the main
// loop while the read pump runs; writes are serialized by the mutex.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	client ecs.Entity
	closed bool
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

// Send encodes and writes one packet. Implements netsync.Transport.
func (s *Session) Send(p netpkt.Packet) error {
	data, err := netpkt.Encode(p)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Bind records the client entity the server assigned to this session.
func (s *Session) Bind(client ecs.Entity) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

// Client returns the bound client entity, null before Bind.
func (s *Session) Client() ecs.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Close tears the connection down once.
func (s *Session) Close() {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !closed {
		s.conn.Close()
	}
}

// Inbound is one raw client payload awaiting the main loop.
type Inbound struct {
	Session *Session
	Data    []byte
}

// Gateway buffers joins, payloads and leaves between connection goroutines
// and the main loop.
type Gateway struct {
	mu      sync.Mutex
	joins   []*Session
	inbound []Inbound
	leaves  []*Session
}

func NewGateway() *Gateway {
	return &Gateway{}
}

func (g *Gateway) join(s *Session) {
	g.mu.Lock()
	g.joins = append(g.joins, s)
	g.mu.Unlock()
}

func (g *Gateway) receive(s *Session, data []byte) {
	g.mu.Lock()
	g.inbound = append(g.inbound, Inbound{Session: s, Data: data})
	g.mu.Unlock()
}

func (g *Gateway) leave(s *Session) {
	g.mu.Lock()
	g.leaves = append(g.leaves, s)
	g.mu.Unlock()
}

// Drain hands everything buffered since the last tick to the main loop.
func (g *Gateway) Drain() (joins []*Session, inbound []Inbound, leaves []*Session) {
	g.mu.Lock()
	joins, g.joins = g.joins, nil
	inbound, g.inbound = g.inbound, nil
	leaves, g.leaves = g.leaves, nil
	g.mu.Unlock()
	return joins, inbound, leaves
}
