package server

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// client is one websocket connection and the participant behind it.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	roomID string
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *client) setRoom(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// close tells the write pump to send a close frame and drop the connection.
// Safe to call more than once.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues a frame without blocking. A client that cannot keep up is
// disconnected rather than allowed to stall the room.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

// writePump drains the send queue onto the connection, one frame per event.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Hub tracks live connections by participant and by room, and implements
// arena.Broadcaster on top of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client

	logger *zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedParticipants.Set(float64(n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.detachLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedParticipants.Set(float64(n))
}

// attach moves c into room id, leaving any previous room.
func (h *Hub) attach(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[c.id] = c
	c.setRoom(roomID)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
}

func (h *Hub) detachLocked(c *client) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	c.setRoom("")
}

// Broadcast implements arena.Broadcaster.
func (h *Hub) Broadcast(roomID string, evt arena.Event, except ...string) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("type", evt.Type).Msg("marshaling event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for id, c := range h.rooms[roomID] {
		if !slices.Contains(except, id) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Debug().Str("room", roomID).Str("participant", c.id).Str("type", evt.Type).Msg("event not delivered")
		}
	}
}

// Send implements arena.Broadcaster.
func (h *Hub) Send(participantID string, evt arena.Event) {
	h.mu.RLock()
	c, ok := h.clients[participantID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.sendTo(c, evt)
}

func (h *Hub) sendTo(c *client, evt arena.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("type", evt.Type).Msg("marshaling event")
		return
	}
	c.enqueue(data)
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}
