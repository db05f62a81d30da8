package ws

import (
	"log"
	nethttp "net/http"

	"github.com/gorilla/websocket"
)

type HandlerConfig struct {
	Logger *log.Logger
}

// Handler upgrades incoming connections and runs their read pumps.
type Handler struct {
	gateway  *Gateway
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(gateway *Gateway, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}
	return &Handler{gateway: gateway, logger: logger, upgrader: upgrader}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	session := newSession(conn)
	h.gateway.join(session)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.gateway.leave(session)
			session.Close()
			return
		}
		h.gateway.receive(session, payload)
	}
}
