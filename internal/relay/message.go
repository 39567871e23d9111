package relay

import "github.com/BioHazard786/peerstream/internal/signaling"

// Delivery is one envelope the room wants written to one connection.
type Delivery struct {
	To       *Client
	Envelope *signaling.Envelope
}

// Result is the effect of handling one inbound event: what to deliver and
// which connections to close afterwards. Deliveries are applied before closes.
type Result struct {
	Deliveries []Delivery
	Closes     []*Client
}

func (r *Result) deliver(to *Client, env *signaling.Envelope) {
	r.Deliveries = append(r.Deliveries, Delivery{To: to, Envelope: env})
}

func (r *Result) close(c *Client) {
	r.Closes = append(r.Closes, c)
}

// inbound is a raw message read off a connection, tagged with its sender.
// A non-nil left marks the connection's departure instead; the loop closes it
// once the departure is handled.
type inbound struct {
	client *Client
	data   []byte
	left   chan struct{}
}
