// Package api provides the HTTP API and WebSocket push for the stock watcher
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

// MessageType is the type of a WebSocket message
type MessageType string

const (
	MessageTypeSnapshot      MessageType = "snapshot"
	MessageTypeLowStock      MessageType = "low_stock"
	MessageTypePipelineState MessageType = "pipeline_state"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeUnsubscribe   MessageType = "unsubscribe"
)

// Message is the WebSocket wire format
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool // source IDs, "*" for all
}

func (c *Client) subscribed(sourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions["*"] || c.subscriptions[sourceID]
}

type outbound struct {
	sourceID string // empty goes to every client
	data     []byte
}

// Hub tracks connected clients and fans messages out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub creates a hub. Browser origins are checked against allowedOrigins
// unless it is empty or contains "*".
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set["*"] || set[origin]
	}
}

// Run serves register, unregister and broadcast requests until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				_ = client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", "total_clients", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if msg.sourceID != "" && !client.subscribed(msg.sourceID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn("Client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) enqueue(sourceID string, msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{sourceID: sourceID, data: data}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// Broadcast sends a message to every client
func (h *Hub) Broadcast(msg Message) {
	h.enqueue("", msg)
}

// BroadcastSnapshot sends a snapshot to clients subscribed to its source
func (h *Hub) BroadcastSnapshot(snap *pipeline.Snapshot) {
	h.enqueue(snap.SourceID, Message{Type: MessageTypeSnapshot, Data: snap})
}

// BroadcastAlert sends a low stock alert to clients subscribed to its source
func (h *Hub) BroadcastAlert(alert pipeline.LowStockAlert) {
	h.enqueue(alert.SourceID, Message{Type: MessageTypeLowStock, Data: alert})
}

// BroadcastPipelineState tells every client the pipeline started or stopped
func (h *Hub) BroadcastPipelineState(ev pipeline.LifecycleEvent) {
	h.Broadcast(Message{
		Type: MessageTypePipelineState,
		Data: map[string]interface{}{
			"running": ev.Running,
			"sources": ev.Sources,
		},
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes ping and subscription requests. Subscribing
// replaces the default "all sources" subscription.
func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type MessageType `json:"type"`
		Data []string    `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if out, err := json.Marshal(Message{Type: MessageTypePong, Timestamp: time.Now()}); err == nil {
			select {
			case c.send <- out:
			default:
			}
		}

	case MessageTypeSubscribe:
		c.mu.Lock()
		delete(c.subscriptions, "*")
		for _, id := range msg.Data {
			c.subscriptions[id] = true
		}
		c.mu.Unlock()

	case MessageTypeUnsubscribe:
		c.mu.Lock()
		for _, id := range msg.Data {
			delete(c.subscriptions, id)
		}
		c.mu.Unlock()
	}
}
