// Package realtime streams migration notifications to WebSocket subscribers.
// Clients subscribe to one channel per environment, or to the all channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linkflow-ai/migrator/internal/migration/adapters/notifier"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

// ChannelAll receives notifications of every environment
const ChannelAll = "migrations"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// ErrHubStopped is returned by Deliver once Run has returned
var ErrHubStopped = errors.New("realtime hub stopped")

// ChannelFor names the channel of one environment
func ChannelFor(environmentID string) string {
	return "environment:" + environmentID
}

// MessageType defines WebSocket message types
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeEvent       MessageType = "event"
)

// Message is the frame exchanged with clients
type Message struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	mu       sync.Mutex
	channels map[string]bool
}

type broadcast struct {
	channels []string
	payload  []byte
}

// Hub keeps the connected clients and broadcasts to their channels
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	channels   map[string]map[*client]bool
	broadcast  chan broadcast
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     logger.Logger
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		channels:   make(map[string]map[*client]bool),
		broadcast:  make(chan broadcast, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// requests are authenticated before they reach the hub
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			h.removeLocked(c)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
		case b := <-h.broadcast:
			h.fanout(b)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	c.mu.Lock()
	for channel := range c.channels {
		if members, ok := h.channels[channel]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	c.mu.Unlock()
}

func (h *Hub) fanout(b broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[*client]bool)
	for _, channel := range b.channels {
		for c := range h.channels[channel] {
			if seen[c] {
				continue
			}
			seen[c] = true
			select {
			case c.send <- b.payload:
			default:
				h.logger.Warn("Dropping slow WebSocket client", "client_id", c.id)
				h.removeLocked(c)
			}
		}
	}
}

// Name implements notifier.Sink
func (h *Hub) Name() string { return "websocket" }

// Deliver implements notifier.Sink. The notification goes to the environment's
// channel and to ChannelAll.
func (h *Hub) Deliver(ctx context.Context, n notifier.Notification) error {
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	channel := ChannelFor(n.EnvironmentID)
	payload, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Channel:   channel,
		Event:     n.EventType,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- broadcast{channels: []string{channel, ChannelAll}, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*client]bool)
	}
	h.channels[channel][c] = true

	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}

	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// ServeHTTP upgrades the request and attaches the client to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.New().String(),
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	c.reply(Message{Type: MessageTypeEvent, Event: "connected"})

	go c.writePump()
	go c.readPump()
}

// reply queues a frame for this client only. It must not be called after the
// client was removed from the hub.
func (c *client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket closed", "client_id", c.id, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Channel == "" {
			return
		}
		c.hub.subscribe(c, msg.Channel)
		c.reply(Message{Type: MessageTypeEvent, Event: "subscribed", Channel: msg.Channel})
	case MessageTypeUnsubscribe:
		if msg.Channel == "" {
			return
		}
		c.hub.unsubscribe(c, msg.Channel)
		c.reply(Message{Type: MessageTypeEvent, Event: "unsubscribed", Channel: msg.Channel})
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
