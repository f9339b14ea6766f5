// Package notify broadcasts badge and sync events to connected UI clients.
//
// The PWA keeps a WebSocket open to the companion; the hub pushes the
// pending-count badge and sync toasts, and receives the platform
// connectivity signal (navigator.onLine transitions) from the page.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/logging"
)

// Event types pushed to UI clients.
const (
	EventBadgeUpdated  = "badge.updated"
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only the local UI may connect
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client represents one connected UI page.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active client connections and broadcasts messages.
// It implements the sync engine's Notifier contract.
type Hub struct {
	monitor    *connectivity.Monitor
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its broadcast loop. The monitor receives
// connectivity reports arriving from clients.
func NewHub(monitor *connectivity.Monitor) *Hub {
	hub := &Hub{
		monitor:    monitor,
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, drop the connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal ws event", err, map[string]interface{}{"type": eventType})
		return
	}

	h.broadcast <- bytes
}

// =====================================================
// Notifier contract (badge + sync toasts)
// =====================================================

// PendingCountChanged pushes the pending-count badge to the UI.
func (h *Hub) PendingCountChanged(count int) {
	h.Broadcast(EventBadgeUpdated, map[string]interface{}{
		"count": count,
	})
}

// SyncStarted announces a drain pass beginning.
func (h *Hub) SyncStarted(count int) {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"count":   count,
		"message": fmt.Sprintf("Syncing %d offline %s...", count, jobWord(count)),
	})
}

// SyncFinished announces a drain pass result. The message and severity
// distinguish full success, partial success, and full failure.
func (h *Hub) SyncFinished(synced, failed int) {
	message, severity := SyncResultMessage(synced, failed)
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"synced":   synced,
		"failed":   failed,
		"message":  message,
		"severity": severity,
	})
}

// SyncResultMessage phrases a drain outcome for the result toast.
func SyncResultMessage(synced, failed int) (message, severity string) {
	switch {
	case synced > 0 && failed == 0:
		return fmt.Sprintf("%d %s synced successfully!", synced, jobWord(synced)), "success"
	case synced > 0 && failed > 0:
		return fmt.Sprintf("%d synced, %d failed - will retry", synced, failed), "warning"
	case failed > 0:
		return fmt.Sprintf("Failed to sync %d %s - will retry", failed, jobWord(failed)), "error"
	default:
		return "Nothing to sync", "info"
	}
}

func jobWord(n int) string {
	if n == 1 {
		return "job"
	}
	return "jobs"
}

// =====================================================
// Connection handling
// =====================================================

// readPump pumps messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				logging.Warn("ws read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Warn("invalid ws message", map[string]interface{}{"error": err.Error()})
			continue
		}

		action, ok := msg["action"].(string)
		if !ok {
			continue
		}

		switch action {
		case "connectivity":
			// The page relays navigator.onLine transitions here
			if online, ok := msg["online"].(bool); ok {
				c.hub.monitor.Set(online)
			}

		case "ping":
			c.sendPong()
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

func (c *Client) sendPong() {
	envelope := map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	}

	bytes, _ := json.Marshal(envelope)
	c.send <- bytes
}

// ServeWS upgrades an HTTP request to a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}
