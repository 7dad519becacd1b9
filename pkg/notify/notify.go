// Package notify streams orchestration events to connected clients over
// WebSocket. One client at most per router; events for routers without a
// listener are dropped silently.
package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"datapilot/pkg/logger"
)

// Event types pushed to clients.
const (
	EventStatus         = "status"
	EventResponse       = "response"
	EventMessageHistory = "message_history"
	EventInputLock      = "input_lock"
	EventInputUnlock    = "input_unlock"
	EventError          = "error"
)

// Event is one notification frame.
type Event struct {
	Type      string      `json:"type"`
	RouterID  string      `json:"router_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier is the event sink handlers publish into.
type Notifier interface {
	Status(routerID, text string)
	Response(routerID, markdown string)
	MessageHistory(routerID string, messages interface{})
	InputLock(routerID string)
	InputUnlock(routerID string)
	Error(routerID, message string)
}

// client wraps one attached connection. gorilla connections support at most
// one concurrent writer, so every write is serialised through wmu.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub tracks at most one WebSocket connection per router.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*client
	logger logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*client),
		logger: log,
	}
}

// Attach registers conn as the router's listener, replacing and closing any
// previous one.
func (h *Hub) Attach(routerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if prev, ok := h.conns[routerID]; ok {
		prev.conn.Close()
	}
	h.conns[routerID] = &client{conn: conn}
	h.mu.Unlock()
	h.logger.Infof("🔌 Client attached to router %s", routerID)
}

// Detach removes the router's listener if conn is still the active one.
func (h *Hub) Detach(routerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.conns[routerID]; ok && c.conn == conn {
		delete(h.conns, routerID)
	}
	h.mu.Unlock()
}

// send pushes an event to the router's listener, dropping it when no client
// is attached. A write failure detaches the connection.
func (h *Hub) send(routerID string, event Event) {
	h.mu.RLock()
	c, ok := h.conns[routerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	event.Timestamp = time.Now().UTC()
	if err := c.writeJSON(event); err != nil {
		h.logger.Warnf("Dropping client of router %s after write failure: %v", routerID, err)
		h.mu.Lock()
		if h.conns[routerID] == c {
			delete(h.conns, routerID)
		}
		h.mu.Unlock()
		c.conn.Close()
	}
}

func (h *Hub) Status(routerID, text string) {
	h.send(routerID, Event{Type: EventStatus, RouterID: routerID, Payload: text})
}

func (h *Hub) Response(routerID, markdown string) {
	h.send(routerID, Event{Type: EventResponse, RouterID: routerID, Payload: markdown})
}

func (h *Hub) MessageHistory(routerID string, messages interface{}) {
	h.send(routerID, Event{Type: EventMessageHistory, RouterID: routerID, Payload: messages})
}

func (h *Hub) InputLock(routerID string) {
	h.send(routerID, Event{Type: EventInputLock, RouterID: routerID})
}

func (h *Hub) InputUnlock(routerID string) {
	h.send(routerID, Event{Type: EventInputUnlock, RouterID: routerID})
}

func (h *Hub) Error(routerID, message string) {
	h.send(routerID, Event{Type: EventError, RouterID: routerID, Payload: message})
}
