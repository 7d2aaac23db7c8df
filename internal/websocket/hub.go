// Package websocket pushes session notices to the participants of a
// consultation. Each consultation has its own room.
package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
)

const (
	MessageTypePing = "ping"
	MessageTypePong = "pong"
)

var ErrHubBackpressure = errors.New("websocket hub broadcast buffer is full")

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type roomMessage struct {
	room string
	msg  Message
}

type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 256),
	}
}

// Emit queues a message for every client in room. It never blocks; a full
// buffer drops the message.
func (h *Hub) Emit(room, event string, payload any) error {
	select {
	case h.broadcast <- roomMessage{room: room, msg: Message{Type: event, Data: payload}}:
		return nil
	default:
		metrics.BroadcastDrops.Inc()
		return ErrHubBackpressure
	}
}

// RunWithContext owns the room maps until ctx is cancelled, then closes
// every client.
func (h *Hub) RunWithContext(ctx context.Context) error {
	done := make(chan struct{})
	h.mu.Lock()
	h.done = done
	h.mu.Unlock()
	defer close(done)

	for {
		// lifecycle first so a client registered before an emit receives it
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

// stopped is closed when the current run exits. Nil before the first run.
func (h *Hub) stopped() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped():
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped():
	}
}

func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	n := len(members)
	h.mu.Unlock()

	metrics.WebsocketClients.Inc()
	logging.Debug().Str("room", c.room).Int("room_clients", n).Msg("websocket client joined")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	members, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	c.closeSend()
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
	metrics.WebsocketClients.Dec()
}

func (h *Hub) deliver(m roomMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[m.room]
	if len(members) == 0 {
		return
	}
	clients := make([]*Client, 0, len(members))
	for c := range members {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		if !c.trySend(m.msg) {
			// slow reader
			logging.Warn().Str("room", m.room).Uint64("client_id", c.id).Msg("dropping slow websocket client")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, members := range h.rooms {
		for c := range members {
			h.removeLocked(c)
			total++
		}
	}
	logging.Info().Str("component", "websocket-hub").Int("clients", total).Msg("websocket hub stopped")
}
