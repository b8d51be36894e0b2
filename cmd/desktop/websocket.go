// Package main provides the WebSocket state stream for the desktop UI.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/sync/scheduler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local shell only
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// WSEnvelope wraps every message on the state stream.
type WSEnvelope struct {
	Type      string           `json:"type"`
	Data      models.SyncState `json:"data"`
	Timestamp int64            `json:"timestamp"`
}

// EventSyncState is the only event type on the stream. Each message
// carries the full snapshot, so a late joiner needs no catch-up
// protocol.
const EventSyncState = "sync.state"

// WSClient is one connected UI.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub fans sync state snapshots out to connected clients.
type WSHub struct {
	clients    map[*WSClient]struct{}
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	once       sync.Once
}

// NewWSHub creates a hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[*WSClient]struct{}),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Stream forwards orchestrator state changes into the hub until the
// subscription closes. Run in its own goroutine.
func (h *WSHub) Stream(orch *scheduler.Orchestrator) {
	ch := orch.Subscribe()
	defer orch.Unsubscribe(ch)

	for state := range ch {
		h.Broadcast(state)
	}
}

// Broadcast sends one state snapshot to every connected client.
func (h *WSHub) Broadcast(state models.SyncState) {
	envelope := WSEnvelope{
		Type:      EventSyncState,
		Data:      state,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal state snapshot", err, nil)
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Close shuts the hub down and disconnects all clients.
func (h *WSHub) Close() {
	h.once.Do(func() { close(h.done) })
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			logging.Debug("state stream client connected", map[string]interface{}{
				"total": len(h.clients),
			})

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case payload := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// A client that stopped draining is disconnected
					// rather than stalling the stream
					delete(h.clients, client)
					close(client.send)
				}
			}

		case <-h.done:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// readPump consumes the connection until the client goes away. Inbound
// messages are ignored; the stream is one-way.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump flushes snapshots and keepalive pings to the connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades a connection and attaches it to the hub.
// The current snapshot is sent immediately so the UI never renders a
// blank state.
func HandleWebSocket(hub *WSHub, orch *scheduler.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		client := &WSClient{
			conn: conn,
			send: make(chan []byte, 64),
		}
		client.hub = hub

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()

		hub.Broadcast(orch.State())
	}
}
