// Package hub maintains the set of live WebSocket subscribers, broadcasts
// processed events to them, and dispatches inbound command envelopes to
// registered handlers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
)

// Conn is the subset of *websocket.Conn the hub uses, extracted so tests
// can exercise broadcast failure handling with fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// CommandHandler processes one inbound command envelope. The returned
// value, if non-nil, is sent back to the requesting subscriber only.
type CommandHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Envelope is the type-tagged wrapper on every inbound subscriber message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub owns the subscriber set. Membership changes on connect/disconnect;
// broadcast iterates a snapshot taken at send time, so a slow or failing
// subscriber affects only itself.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*client
	handlers map[string]CommandHandler

	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

type client struct {
	id   string
	conn Conn

	// writeMu serializes writes: gorilla connections do not allow
	// concurrent writers.
	writeMu sync.Mutex
	closed  bool
}

// New creates an empty Hub.
func New(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:  make(map[string]*client),
		handlers: make(map[string]CommandHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from a different origin than the hub.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleCommand registers a handler for the given envelope type. Later
// registrations replace earlier ones.
func (h *Hub) HandleCommand(name string, fn CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// ServeWS upgrades an HTTP request to a subscriber connection and runs its
// read loop until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	h.serve(r.Context(), conn)
}

// serve registers the connection and blocks on its read loop. Split from
// ServeWS so tests can drive fake connections.
func (h *Hub) serve(ctx context.Context, conn Conn) {
	c := &client{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("subscriber connected", "id", c.id, "subscribers", count)

	defer h.remove(c)
	h.readLoop(ctx, c)
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast marshals the event once and sends it to every open subscriber.
// Fire-and-forget per subscriber: a failed write removes that subscriber
// and never blocks or fails delivery to the rest.
func (h *Hub) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Errorw("failed to marshal broadcast event", "err", err)
		return
	}

	for _, c := range h.snapshot() {
		if err := c.send(data); err != nil {
			h.log.Debugw("subscriber send failed", "id", c.id, "err", err)
			h.remove(c)
		}
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	c.writeMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.writeMu.Unlock()

	if !alreadyClosed {
		_ = c.conn.Close()
	}
	if present {
		h.log.Infow("subscriber disconnected", "id", c.id, "subscribers", count)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		// Not an error: a closing subscriber simply misses the event.
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Debugw("ignoring malformed envelope", "id", c.id, "err", err)
			continue
		}

		h.dispatch(ctx, c, env)
	}
}

// dispatch runs the handler for one envelope. Handler failures are
// reported to the requesting subscriber and never tear down the read loop.
func (h *Hub) dispatch(ctx context.Context, c *client, env Envelope) {
	h.mu.Lock()
	handler, ok := h.handlers[env.Type]
	h.mu.Unlock()

	if !ok {
		h.log.Warnw("unknown command", "id", c.id, "type", env.Type)
		h.reply(c, env.Type, map[string]string{"error": "unknown command"})
		return
	}

	result, err := handler(ctx, env.Payload)
	if err != nil {
		h.log.Errorw("command failed", "id", c.id, "type", env.Type, "err", err)
		h.reply(c, env.Type, map[string]string{"error": err.Error()})
		return
	}
	if result != nil {
		h.reply(c, env.Type, result)
	}
}

// reply sends a command result to the requesting subscriber only.
func (h *Hub) reply(c *client, commandType string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		h.log.Errorw("failed to marshal command reply", "type", commandType, "err", err)
		return
	}
	data, err := json.Marshal(Envelope{Type: commandType + "_result", Payload: payload})
	if err != nil {
		h.log.Errorw("failed to marshal reply envelope", "type", commandType, "err", err)
		return
	}
	if err := c.send(data); err != nil {
		h.remove(c)
	}
}
