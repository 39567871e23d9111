package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ChatLabel is the data channel label used for chat.
const ChatLabel = "chat"

// Broadcast addresses every open chat channel.
const Broadcast = ""

// ChatMessage is the wire and in-memory form of one chat line.
type ChatMessage struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Chat manages one chat channel per session. On the streamer it relays every
// viewer's message to the other viewers, so viewers only ever talk to the
// streamer.
type Chat struct {
	local string
	role  Role

	mu       sync.Mutex
	channels map[string]Channel
	handler  func(from string, msg ChatMessage)
}

func NewChat(localName string, role Role) *Chat {
	return &Chat{
		local:    localName,
		role:     role,
		channels: make(map[string]Channel),
	}
}

// OnReceive sets the handler for messages arriving from any peer.
func (c *Chat) OnReceive(h func(from string, msg ChatMessage)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Attach binds a channel to a session id, replacing any previous one.
func (c *Chat) Attach(peerID string, ch Channel) {
	c.mu.Lock()
	old := c.channels[peerID]
	c.channels[peerID] = ch
	c.mu.Unlock()

	if old != nil && old != ch {
		old.Close()
	}

	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.receive(peerID, msg.Data)
	})
	ch.OnClose(func() {
		c.mu.Lock()
		if c.channels[peerID] == ch {
			delete(c.channels, peerID)
		}
		c.mu.Unlock()
	})
}

// Detach closes and forgets the channel of a session.
func (c *Chat) Detach(peerID string) {
	c.mu.Lock()
	ch := c.channels[peerID]
	delete(c.channels, peerID)
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			slog.Debug("chat channel close failed", "peer", peerID, "err", err)
		}
	}
}

// DetachAll closes every channel.
func (c *Chat) DetachAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Detach(id)
	}
}

// Send stamps the local name on text and sends it to one session or, with
// Broadcast, to every open channel. Channels that are not open are skipped.
func (c *Chat) Send(to, text string) error {
	data, err := json.Marshal(ChatMessage{Name: c.local, Text: text})
	if err != nil {
		return err
	}

	if to != Broadcast {
		c.mu.Lock()
		ch, ok := c.channels[to]
		c.mu.Unlock()
		if !ok {
			return WrapError("send chat", to, ErrUnknownSession)
		}
		if ch.ReadyState() != webrtc.DataChannelStateOpen {
			return WrapError("send chat", to, ErrChannelNotOpen)
		}
		return ch.SendText(string(data))
	}

	c.fanOut(string(data), "")
	return nil
}

// receive handles one inbound frame from a session's channel.
func (c *Chat) receive(from string, data []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping malformed chat message", "peer", from, "err", err)
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(from, msg)
	}

	if c.role == RoleStreamer {
		c.fanOut(string(data), from)
	}
}

// fanOut sends text to every open channel except the one keyed by skip.
func (c *Chat) fanOut(text, skip string) {
	c.mu.Lock()
	targets := make(map[string]Channel, len(c.channels))
	for id, ch := range c.channels {
		if id != skip {
			targets[id] = ch
		}
	}
	c.mu.Unlock()

	for id, ch := range targets {
		if ch.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := ch.SendText(text); err != nil {
			slog.Debug("chat send failed", "peer", id, "err", err)
		}
	}
}

// Open returns the ids of sessions whose chat channel is open.
func (c *Chat) Open() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, ch := range c.channels {
		if ch.ReadyState() == webrtc.DataChannelStateOpen {
			ids = append(ids, id)
		}
	}
	return ids
}
