// Package ws provides the websocket observer hub: dashboards connect,
// join the updates room, and receive one frame per answered inquiry.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second
	// pongWait is the read deadline, refreshed by pongs.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxCommandBytes bounds inbound control frames.
	maxCommandBytes = 512
	// defaultSendBuffer is the per-client queue; a client whose queue is
	// full is dropped rather than allowed to stall the broadcast.
	defaultSendBuffer = 64
)

// command is the control frame clients send to manage room membership.
type command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// frame is the outbound push payload, one per answered inquiry.
type frame struct {
	Event   string         `json:"event"`
	Data    inquiry.Record `json:"data"`
	Version string         `json:"version"`
	Action  string         `json:"action"`
}

type client struct {
	conn *websocket.Conn
	send chan frame
}

// Hub tracks connected clients and their room membership, and broadcasts
// decision events to room members. It implements the observer port, so the
// emitter can feed it directly. Delivery is best-effort, at-most-once.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	sendBuffer int

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

// HubOption is a functional option for configuring the Hub.
type HubOption func(*Hub)

// WithAllowedOrigin restricts upgrades to the given Origin. Empty or "*"
// allows any origin.
func WithAllowedOrigin(origin string) HubOption {
	return func(h *Hub) {
		if origin == "" || origin == "*" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			got := r.Header.Get("Origin")
			return got == "" || got == origin
		}
	}
}

// WithSendBuffer sets the per-client queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:     logger,
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*client]struct{}),
		rooms:      make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects or is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan frame, h.sendBuffer)}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// Emit broadcasts one decision event to the members of the named room.
// Implements the observer port; it never blocks on a slow client.
func (h *Hub) Emit(ctx context.Context, channel string, event inquiry.Event) error {
	f := frame{
		Event:   inquiry.EventNewData,
		Data:    event.Record,
		Version: event.Version,
		Action:  event.Verdict,
	}

	var slow []*client
	h.mu.Lock()
	for c := range h.rooms[channel] {
		select {
		case c.send <- f:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warn("dropping slow websocket client", "remote_addr", c.conn.RemoteAddr().String())
		h.remove(c)
	}
	return nil
}

// DroppedClients returns how many clients were disconnected for falling
// behind.
func (h *Hub) DroppedClients() int64 {
	return h.dropped.Load()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomSize returns the number of clients joined to a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	return nil
}

// add registers a client. It refuses clients after Close.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove unregisters a client from every room and closes it. Only the
// first call for a given client does anything.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	close(c.send)
	c.conn.Close()
}

func (h *Hub) join(c *client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// readPump consumes control frames until the client disconnects. Malformed
// frames are ignored; unknown actions are logged and skipped.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "join":
			h.join(c, cmd.Room)
		case "leave":
			h.leave(c, cmd.Room)
		default:
			h.logger.Debug("unknown websocket command", "action", cmd.Action)
		}
	}
}

// writePump pushes queued frames and keepalive pings until the send
// channel closes. Closing the connection on the way out unblocks the
// read side, which performs the unregistration.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
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

// Compile-time interface verification.
var _ outbound.Observer = (*Hub)(nil)
