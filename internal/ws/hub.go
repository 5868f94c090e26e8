// Package ws streams committed intent events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/events"
	"github.com/leafsii/leafsii-intents/internal/intent"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// EventSource is implemented by events.Bus.
type EventSource interface {
	Subscribe(ctx context.Context) (*events.Subscription, error)
}

// ConnectionObserver counts open connections; metrics.Metrics implements it.
type ConnectionObserver interface {
	IncrementConnections(ctx context.Context)
	DecrementConnections(ctx context.Context)
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	source     EventSource
	logger     *zap.SugaredLogger
	observer   ConnectionObserver
	upgrader   websocket.Upgrader
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	lastActive atomic.Int64

	mu      sync.RWMutex
	all     bool
	user    string
	intents map[uint64]bool
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubscriptionRequest selects which intents a client hears about. Events
// match when they belong to User or to one of IntentIDs; All matches every
// event.
type SubscriptionRequest struct {
	Type      string   `json:"type"`
	User      string   `json:"user,omitempty"`
	IntentIDs []uint64 `json:"intentIds,omitempty"`
	All       bool     `json:"all,omitempty"`
}

// NewHub returns a hub relaying events from source. An empty allowedOrigins
// accepts same-origin requests only.
func NewHub(source EventSource, allowedOrigins []string, logger *zap.SugaredLogger, observer ConnectionObserver) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		source:     source,
		logger:     logger,
		observer:   observer,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer close(h.done)

	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.closeAll()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.observer != nil {
				h.observer.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			if h.remove(client) && h.observer != nil {
				h.observer.DecrementConnections(ctx)
			}
			h.logger.Debugw("Client unregistered", "user", client.filterUser())

		case ev, ok := <-sub.C:
			if !ok {
				h.logger.Warnw("Intent event subscription closed")
				h.closeAll()
				return nil
			}
			h.broadcast(ev)
		}
	}
}

// remove drops client and closes its send channel once.
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev intent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Errorw("Failed to marshal intent event", "intentId", ev.IntentID, "error", err)
		return
	}
	message, err := json.Marshal(Message{
		Type:      "event",
		Topic:     string(ev.Type),
		Data:      data,
		Timestamp: ev.At.Unix(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.matches(ev) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client is slow or disconnected
			delete(h.clients, client)
			close(client.send)
			h.logger.Warnw("Dropped slow WebSocket client", "user", client.filterUser())
		}
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(time.Now().Add(-pongWait))
		}
	}
}

func (h *Hub) cleanupInactiveClients(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if time.Unix(0, client.lastActive.Load()).Before(cutoff) {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "user", client.filterUser())
		}
	}
}

// HandleWebSocket upgrades the request. The optional ?user= query parameter
// subscribes the connection to that user's intents straight away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		intents: make(map[uint64]bool),
		user:    r.URL.Query().Get("user"),
	}
	client.touch()

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Client) filterUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) matches(ev intent.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || (c.user != "" && c.user == ev.User) || c.intents[ev.IntentID]
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	switch sub.Type {
	case "subscribe":
		if sub.User != "" {
			c.user = sub.User
		}
		for _, id := range sub.IntentIDs {
			c.intents[id] = true
		}
		c.all = c.all || sub.All

	case "unsubscribe":
		if sub.User != "" && sub.User == c.user {
			c.user = ""
		}
		for _, id := range sub.IntentIDs {
			delete(c.intents, id)
		}
		if sub.All {
			c.all = false
		}

	default:
		c.mu.Unlock()
		c.hub.logger.Warnw("Unknown subscription message type", "type", sub.Type)
		return
	}
	c.mu.Unlock()

	c.hub.logger.Debugw("Client subscription updated", "type", sub.Type, "user", sub.User, "intentIds", sub.IntentIDs)
	c.ack(sub.Type)
}

// ack confirms a subscription change. Sent through the hub lock so it
// cannot race the channel being closed.
func (c *Client) ack(typ string) {
	msg, _ := json.Marshal(Message{Type: typ + "d", Timestamp: time.Now().Unix()})

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
