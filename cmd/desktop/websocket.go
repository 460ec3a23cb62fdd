package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon serves desktop UIs on the loopback interface only.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Event types pushed to connected desktop clients.
const (
	EventRecordsChanged    = "records.changed"
	EventSessionChanged    = "session.changed"
	EventFlushStarted      = "sync.flush_started"
	EventFlushCompleted    = "sync.flush_completed"
	EventFlushFailed       = "sync.flush_failed"
	EventOperationResolved = "sync.operation_resolved"
	EventOnlineChanged     = "sync.online_changed"
)

// Envelope wraps every pushed event.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// outbound is one marshaled event moving through the hub; the type
// rides along so per-client subscription filters can apply.
type outbound struct {
	eventType string
	payload   []byte
}

// WSClient is one connected desktop client.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// No subscriptions means the client receives every event.
	subMu         sync.RWMutex
	subscriptions map[string]bool
}

// Hub fans engine events out to connected WebSocket clients.
type Hub struct {
	mu         sync.Mutex
	clients    map[string]*WSClient
	broadcast  chan outbound
	register   chan *WSClient
	unregister chan *WSClient
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopCh:     make(chan struct{}),
	}
	go hub.run()
	return hub
}

// run owns the client set.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected",
				map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected",
				map[string]interface{}{"client_id": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer; drop the connection rather than
					// stall every other client.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.stopCh:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and shuts the hub down.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// Broadcast queues one event for every subscribed client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket event", err,
			map[string]interface{}{"type": eventType})
		return
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, payload: payload}:
	case <-h.stopCh:
	}
}

// BroadcastRecordsChanged announces that an owner's visible record
// list changed; clients refetch through the REST surface.
func (h *Hub) BroadcastRecordsChanged(ownerID string, visible int) {
	h.Broadcast(EventRecordsChanged, map[string]interface{}{
		"owner_id": ownerID,
		"visible":  visible,
	})
}

// BroadcastSessionChanged announces an owner scope switch.
func (h *Hub) BroadcastSessionChanged(ownerID string) {
	h.Broadcast(EventSessionChanged, map[string]interface{}{
		"owner_id":  ownerID,
		"anonymous": ownerID == "",
	})
}

// BroadcastFlushStarted announces a queue flush kicking off.
func (h *Hub) BroadcastFlushStarted() {
	h.Broadcast(EventFlushStarted, map[string]interface{}{})
}

// BroadcastFlushCompleted announces a finished flush with the queue
// counts left behind.
func (h *Hub) BroadcastFlushCompleted(stats map[string]int) {
	h.Broadcast(EventFlushCompleted, map[string]interface{}{
		"queue": stats,
	})
}

// BroadcastFlushFailed announces a flush that could not run or push.
func (h *Hub) BroadcastFlushFailed(errorCode string, retryable bool) {
	h.Broadcast(EventFlushFailed, map[string]interface{}{
		"error_code": errorCode,
		"retryable":  retryable,
	})
}

// BroadcastOperationResolved announces that a record's queued
// operation reached a terminal state.
func (h *Hub) BroadcastOperationResolved(recordID string, stats map[string]int) {
	h.Broadcast(EventOperationResolved, map[string]interface{}{
		"record_id": recordID,
		"queue":     stats,
	})
}

// BroadcastOnlineChanged announces a connectivity flip.
func (h *Hub) BroadcastOnlineChanged(online bool) {
	h.Broadcast(EventOnlineChanged, map[string]interface{}{
		"online": online,
	})
}

// wants reports whether the client subscribed to an event type. A
// client with no explicit subscriptions receives everything.
func (c *WSClient) wants(eventType string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}

// readPump consumes client messages: subscription changes and pings.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read failed",
					map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Ignoring malformed WebSocket message",
				map[string]interface{}{"client_id": c.id})
			continue
		}

		action, ok := msg["action"].(string)
		if !ok {
			continue
		}

		switch action {
		case "subscribe":
			if events, ok := msg["events"].([]interface{}); ok {
				c.subMu.Lock()
				for _, e := range events {
					if eventStr, ok := e.(string); ok {
						c.subscriptions[eventStr] = true
					}
				}
				c.subMu.Unlock()
				c.sendAck("subscribe_ack", events)
			}

		case "unsubscribe":
			if events, ok := msg["events"].([]interface{}); ok {
				c.subMu.Lock()
				for _, e := range events {
					if eventStr, ok := e.(string); ok {
						delete(c.subscriptions, eventStr)
					}
				}
				c.subMu.Unlock()
			}

		case "ping":
			c.sendPong()
		}
	}
}

// writePump moves queued events onto the wire and keeps the
// connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// sendAck confirms a subscription change.
func (c *WSClient) sendAck(action string, events []interface{}) {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":     action,
		"subscribed": events,
		"timestamp":  time.Now().UnixMilli(),
	})
	select {
	case c.send <- payload:
	default:
	}
}

// sendPong answers an application-level ping.
func (c *WSClient) sendPong() {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().UnixMilli(),
	})
	select {
	case c.send <- payload:
	default:
	}
}

// HandleWebSocket upgrades a request and attaches the client to the
// hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
