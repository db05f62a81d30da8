package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stonefall/engine/internal/netpkt"
)

func TestGatewayCarriesPacketsBothWays(t *testing.T) {
	gateway := NewGateway()
	handler := NewHandler(gateway, HandlerConfig{})
	httpServer := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The join surfaces on the next drain.
	var session *Session
	deadline := time.Now().Add(2 * time.Second)
	for session == nil {
		joins, _, _ := gateway.Drain()
		if len(joins) > 0 {
			session = joins[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("join never surfaced")
		}
		time.Sleep(time.Millisecond)
	}

	// Client to server: an encoded packet lands in the inbound buffer.
	data, err := netpkt.Encode(netpkt.TimeRequest{ID: 7, Timestamp: 1.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	var inbound []Inbound
	deadline = time.Now().Add(2 * time.Second)
	for len(inbound) == 0 {
		_, inbound, _ = gateway.Drain()
		if time.Now().After(deadline) {
			t.Fatalf("inbound packet never surfaced")
		}
		time.Sleep(time.Millisecond)
	}
	pkt, err := netpkt.Decode(inbound[0].Data)
	if err != nil {
		t.Fatalf("decode inbound: %v", err)
	}
	if req, ok := pkt.(netpkt.TimeRequest); !ok || req.ID != 7 {
		t.Fatalf("unexpected inbound packet %#v", pkt)
	}

	// Server to client: Session.Send frames a packet over the socket.
	if err := session.Send(netpkt.SetPlayoutDelay{Value: 0.05}); err != nil {
		t.Fatalf("session send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, err := netpkt.Decode(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if delay, ok := reply.(netpkt.SetPlayoutDelay); !ok || delay.Value != 0.05 {
		t.Fatalf("unexpected reply %#v", reply)
	}
}

func TestLeaveSurfacesOnClose(t *testing.T) {
	gateway := NewGateway()
	handler := NewHandler(gateway, HandlerConfig{})
	httpServer := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, leaves := gateway.Drain()
		if len(leaves) > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("leave never surfaced")
		}
		time.Sleep(time.Millisecond)
	}
}
