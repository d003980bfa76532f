package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

// opsHub fans batch consolidation progress out to any number of connected
// ops-dashboard websocket clients. A slow or absent reader never blocks a
// publish: broadcast drops the message for that client rather than
// waiting on it, since an ops dashboard is a nice-to-have view, not a
// delivery-guaranteed channel.
type opsHub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newOpsHub(log *logging.Logger) *opsHub {
	return &opsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers
// it as a broadcast recipient until it disconnects.
func (h *opsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("opsstream.upgrade_failed")
		return
	}

	out := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = out
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for msg := range out {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcast sends v, JSON-encoded, to every connected client.
func (h *opsHub) broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Warn("opsstream.marshal_failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}
