package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sentinelcp/control-plane/streaming"
)

const maxWSConnections = 200

// WSHub relays rollout_updated/drift events to connected UI clients, scoped
// by project. This hub is event-driven: it subscribes to streaming.Subscriber
// once per topic and fans each event out to the clients registered for that
// event's project.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> projectID
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	sub        streaming.Subscriber
}

type registration struct {
	conn      *websocket.Conn
	projectID string
}

func NewWSHub(sub streaming.Subscriber) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		sub:        sub,
	}
}

// Run wires up the topic subscriptions and the connection register/unregister
// loop. Call once at startup.
func (h *WSHub) Run(ctx context.Context) {
	for _, topic := range []string{"rollout_updated", "drift"} {
		if _, err := h.sub.Subscribe(topic, h.broadcast); err != nil {
			log.Printf("ws_hub: failed to subscribe to %s: %v", topic, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.projectID
			h.mu.Unlock()
			log.Printf("WebSocket client registered for project %s. Total: %d", reg.projectID, len(h.clients))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		}
	}
}

// broadcast sends one event to every client registered for its project. The
// event payload is expected to carry a project_id field; events without one
// (not yet project-scoped) go to all connected clients.
func (h *WSHub) broadcast(event streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *WSHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

func (h *WSHub) Register(conn *websocket.Conn, projectID string) {
	h.register <- registration{conn: conn, projectID: projectID}
}

func (h *WSHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
