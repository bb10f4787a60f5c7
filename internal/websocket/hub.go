package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// Hub streams engine events to connected clients. A client with no
// subscriptions receives every event; otherwise only the events it named.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	snapshot   func() any
	done       chan struct{}
	log        *logger.Logger
	mu         sync.RWMutex
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	id            string
	subscriptions map[events.Event]bool
	mu            sync.RWMutex
}

// Message is what the hub writes to clients
type Message struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event,omitempty"`
	Data  interface{}  `json:"data,omitempty"`
	At    *time.Time   `json:"at,omitempty"`
	Error string       `json:"error,omitempty"`
	ID    string       `json:"id,omitempty"`
}

// SubscriptionMessage is what clients send
type SubscriptionMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
	ID     string   `json:"id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// NewHub creates a hub. snapshot, if set, provides the report sent to each
// client when it connects.
func NewHub(snapshot func() any) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshot:   snapshot,
		done:       make(chan struct{}),
		log:        logger.GetLogger("websocket.hub"),
	}
}

// Run forwards envelopes to clients until ctx is done or the channel closes
func (h *Hub) Run(ctx context.Context, envelopes <-chan events.Envelope) {
	h.log.Info("Starting WebSocket hub")
	defer func() {
		close(h.done)
		h.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Infow("Client registered", "client", client.id)

		case client := <-h.unregister:
			h.drop(client)

		case env, ok := <-envelopes:
			if !ok {
				return
			}
			h.broadcastEvent(env)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and starts the client pumps
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		subscriptions: make(map[events.Event]bool),
	}

	if h.snapshot != nil {
		if data, err := json.Marshal(Message{Type: "snapshot", Data: h.snapshot()}); err == nil {
			client.send <- data
		}
	}

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

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.Infow("Client unregistered", "client", client.id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// broadcastEvent sends the envelope to every interested client. Clients
// whose buffer is full are disconnected.
func (h *Hub) broadcastEvent(env events.Envelope) {
	at := env.At
	data, err := json.Marshal(Message{Type: "event", Event: env.Name, Data: env.Payload, At: &at})
	if err != nil {
		h.log.Warnw("Failed to marshal event", "event", env.Name, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(env.Name) {
			continue
		}
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.log.Warnw("Client too slow, disconnected", "client", client.id)
		}
	}
}

func (c *Client) wants(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[e]
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
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
		_, messageData, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("WebSocket error", "client", c.id, "error", err)
			}
			break
		}

		c.handleMessage(messageData)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handleMessage(messageData []byte) {
	var msg SubscriptionMessage
	if err := json.Unmarshal(messageData, &msg); err != nil {
		c.sendError("invalid message format", "")
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg, true)
	case "unsubscribe":
		c.subscribe(msg, false)
	case "ping":
		c.sendMessage(Message{Type: "pong", ID: msg.ID})
	default:
		c.sendError("unknown message type", msg.ID)
	}
}

func (c *Client) subscribe(msg SubscriptionMessage, on bool) {
	known := make(map[events.Event]bool, len(events.All))
	for _, e := range events.All {
		known[e] = true
	}

	c.mu.Lock()
	var applied []events.Event
	for _, name := range msg.Events {
		e := events.Event(name)
		if !known[e] {
			continue
		}
		if on {
			c.subscriptions[e] = true
		} else {
			delete(c.subscriptions, e)
		}
		applied = append(applied, e)
	}
	c.mu.Unlock()

	kind := "subscription_confirmed"
	if !on {
		kind = "unsubscription_confirmed"
	}
	c.sendMessage(Message{Type: kind, Data: map[string]interface{}{"events": applied}, ID: msg.ID})
}

// sendMessage queues a reply for this client. A reply that does not fit in
// the buffer is dropped; the hub disconnects persistently slow clients.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Warnw("Failed to marshal message", "error", err)
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

func (c *Client) sendError(errorMsg, id string) {
	c.sendMessage(Message{Type: "error", Error: errorMsg, ID: id})
}
