package metrics

import "sync"

// Relay event names.
const (
	ClientConnected    = "client_connected"
	ClientDisconnected = "client_disconnected"
	RoomCreated        = "room_created"
	RoomDisposed       = "room_disposed"
	StreamerRegistered = "streamer_registered"
	StreamerReplaced   = "streamer_replaced"
	ViewerRegistered   = "viewer_registered"
	EnvelopeRouted     = "envelope_routed"
	EnvelopeDropped    = "envelope_dropped"
	EnvelopeMalformed  = "envelope_malformed"
	EnvelopeIgnored    = "envelope_ignored"
	SendBufferFull     = "send_buffer_full"
	RoomCreateRequests = "create_room_requests"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// everything, so components can run without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
