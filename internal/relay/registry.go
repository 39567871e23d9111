package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/peerstream/internal/metrics"
)

type roomEntry struct {
	room  *Room
	conns int
}

// Registry maps room IDs to live rooms. Rooms are created on first reference
// and disposed when their last connection leaves.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*roomEntry
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   make(map[string]*roomEntry),
		metrics: m,
	}
}

// Connect assigns the connection a random client ID and registers it with
// the room, creating and starting the room if needed. The caller starts the
// returned client's pumps.
func (g *Registry) Connect(roomID string, conn *websocket.Conn) *Client {
	c := newClient(uuid.NewString(), conn)
	c.registry = g

	g.mu.Lock()
	entry, ok := g.rooms[roomID]
	if !ok {
		entry = &roomEntry{room: NewRoom(roomID, g.metrics)}
		g.rooms[roomID] = entry
		go entry.room.Run()
		g.metrics.Inc(metrics.RoomCreated)
		slog.Info("room created", "room", roomID)
	}
	entry.conns++
	c.room = entry.room
	g.mu.Unlock()

	g.metrics.Inc(metrics.ClientConnected)
	c.room.join(c)
	return c
}

// Disconnect unregisters a connection. The room is disposed once it has no
// connections left. Safe to call more than once per client.
func (g *Registry) Disconnect(c *Client) {
	g.mu.Lock()
	entry, ok := g.rooms[c.room.ID]
	if !ok || entry.room != c.room || c.departed {
		g.mu.Unlock()
		return
	}
	c.departed = true
	entry.conns--
	last := entry.conns == 0
	if last {
		delete(g.rooms, c.room.ID)
	}
	g.mu.Unlock()

	g.metrics.Inc(metrics.ClientDisconnected)
	c.room.leave(c)

	if last {
		c.room.stop()
		g.metrics.Inc(metrics.RoomDisposed)
		slog.Info("room disposed", "room", c.room.ID)
	}
}

// Rooms reports the number of live rooms.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops every room and closes their connections.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[string]*roomEntry)
	g.mu.Unlock()

	for _, entry := range rooms {
		entry.room.stop()
	}
}
