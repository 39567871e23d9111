package relay

import (
	"errors"
	"log/slog"

	"github.com/BioHazard786/peerstream/internal/metrics"
	"github.com/BioHazard786/peerstream/internal/signaling"
)

type viewer struct {
	client *Client
	name   string
}

// Room routes signaling between one streamer and its viewers. All membership
// is owned by the goroutine running Run; Dispatch and Depart must only be
// called from it.
type Room struct {
	// ID is the opaque room identifier taken from the /ws query.
	ID string

	streamer *Client
	viewers  map[string]*viewer
	members  map[*Client]struct{}

	register chan *Client
	// inbound carries both messages and departures so that a connection's
	// close is never handled before the messages it sent first.
	inbound chan inbound
	done    chan struct{}

	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewRoom creates an empty room. Call Run to start routing.
func NewRoom(id string, m *metrics.Metrics) *Room {
	return &Room{
		ID:       id,
		viewers:  make(map[string]*viewer),
		members:  make(map[*Client]struct{}),
		register: make(chan *Client),
		inbound:  make(chan inbound, 64),
		done:     make(chan struct{}),
		metrics:  m,
		log:      slog.With("room", id),
	}
}

// Run handles register and inbound events one at a time until the room is
// stopped.
func (r *Room) Run() {
	defer r.shutdown()

	for {
		select {
		case c := <-r.register:
			r.members[c] = struct{}{}
			r.log.Debug("client registered", "client", c.ID)

		case msg := <-r.inbound:
			c := msg.client
			if _, ok := r.members[c]; !ok {
				r.log.Debug("ignoring event from departed client", "client", c.ID)
				if msg.left != nil {
					close(msg.left)
				}
				continue
			}
			if msg.left == nil {
				r.apply(r.Dispatch(c, msg.data))
				continue
			}
			r.apply(r.Depart(c))
			delete(r.members, c)
			r.closeSend(c)
			close(msg.left)
			r.log.Debug("client unregistered", "client", c.ID)

		case <-r.done:
			return
		}
	}
}

// receive hands a raw message to the loop. It reports false once the room
// has stopped.
func (r *Room) receive(c *Client, data []byte) bool {
	select {
	case r.inbound <- inbound{client: c, data: data}:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) join(c *Client) {
	select {
	case r.register <- c:
	case <-r.done:
	}
}

// leave queues the departure behind anything c already sent and waits for
// the loop to handle it.
func (r *Room) leave(c *Client) {
	left := make(chan struct{})
	select {
	case r.inbound <- inbound{client: c, left: left}:
	case <-r.done:
		return
	}
	select {
	case <-left:
	case <-r.done:
	}
}

func (r *Room) stop() {
	close(r.done)
}

func (r *Room) shutdown() {
	for c := range r.members {
		r.closeSend(c)
		if c.Conn != nil {
			c.Conn.Close()
		}
	}
	r.members = nil
}

// Dispatch routes one raw envelope from a connection. It only mutates room
// membership; the returned Result says what to deliver and whom to close.
func (r *Room) Dispatch(from *Client, data []byte) Result {
	var res Result

	env, err := signaling.Parse(data)
	if err != nil {
		if errors.Is(err, signaling.ErrUnknownType) {
			r.metrics.Inc(metrics.EnvelopeIgnored)
			r.log.Debug("ignoring envelope", "client", from.ID, "type", env.Type)
		} else {
			r.metrics.Inc(metrics.EnvelopeMalformed)
			r.log.Warn("dropping malformed envelope", "client", from.ID, "err", err)
		}
		return res
	}

	switch env.Type {
	case signaling.TypeInitStreamer:
		r.initStreamer(from, &res)

	case signaling.TypeInitViewer:
		r.initViewer(from, env.Name, &res)

	case signaling.TypeOffer:
		if from != r.streamer {
			r.drop(from, env, "offer not from streamer")
			break
		}
		v, ok := r.viewers[env.To]
		if !ok {
			r.drop(from, env, "unknown viewer")
			break
		}
		r.route(&res, v.client, &signaling.Envelope{Type: signaling.TypeOffer, Offer: env.Offer})

	case signaling.TypeAnswer:
		if _, ok := r.viewers[from.ID]; !ok {
			r.drop(from, env, "answer not from viewer")
			break
		}
		if r.streamer == nil {
			r.drop(from, env, "no streamer")
			break
		}
		r.route(&res, r.streamer, &signaling.Envelope{Type: signaling.TypeAnswer, Answer: env.Answer, From: from.ID})

	case signaling.TypeICE:
		if from == r.streamer {
			v, ok := r.viewers[env.To]
			if !ok {
				r.drop(from, env, "unknown viewer")
				break
			}
			r.route(&res, v.client, &signaling.Envelope{Type: signaling.TypeICE, Candidate: env.Candidate})
			break
		}
		if _, ok := r.viewers[from.ID]; !ok {
			r.drop(from, env, "ice from unregistered client")
			break
		}
		if r.streamer == nil {
			r.drop(from, env, "no streamer")
			break
		}
		r.route(&res, r.streamer, &signaling.Envelope{Type: signaling.TypeICE, Candidate: env.Candidate, From: from.ID})

	default:
		// viewer_joined, viewer_left and streamer_left only flow out of the relay.
		r.metrics.Inc(metrics.EnvelopeIgnored)
		r.log.Debug("ignoring relay-only envelope", "client", from.ID, "type", env.Type)
	}

	return res
}

func (r *Room) initStreamer(c *Client, res *Result) {
	if r.streamer == c {
		return
	}

	old := r.streamer
	if v, ok := r.viewers[c.ID]; ok && v.client == c {
		delete(r.viewers, c.ID)
		r.log.Info("viewer switched to streamer", "client", c.ID)
		if old != nil {
			r.route(res, old, &signaling.Envelope{Type: signaling.TypeViewerLeft, ViewerID: c.ID})
		}
	}

	if old != nil {
		r.metrics.Inc(metrics.StreamerReplaced)
		r.log.Info("streamer replaced", "old", old.ID, "new", c.ID)
		res.close(old)
	}

	r.streamer = c
	r.metrics.Inc(metrics.StreamerRegistered)
	r.log.Info("streamer registered", "client", c.ID)
}

func (r *Room) initViewer(c *Client, name string, res *Result) {
	if c == r.streamer {
		r.log.Debug("streamer sent init_viewer, ignoring", "client", c.ID)
		return
	}
	if name == "" {
		name = signaling.DefaultViewerName
	}

	r.viewers[c.ID] = &viewer{client: c, name: name}
	r.metrics.Inc(metrics.ViewerRegistered)
	r.log.Info("viewer registered", "client", c.ID, "name", name)

	if r.streamer != nil {
		r.route(res, r.streamer, &signaling.Envelope{
			Type:     signaling.TypeViewerJoined,
			ViewerID: c.ID,
			Name:     name,
		})
	}
}

// Depart handles a connection going away.
func (r *Room) Depart(c *Client) Result {
	var res Result

	switch {
	case c == r.streamer:
		r.streamer = nil
		r.log.Info("streamer left", "client", c.ID, "viewers", len(r.viewers))
		for id, v := range r.viewers {
			r.route(&res, v.client, &signaling.Envelope{Type: signaling.TypeStreamerLeft})
			res.close(v.client)
			delete(r.viewers, id)
		}

	default:
		v, ok := r.viewers[c.ID]
		if !ok || v.client != c {
			return res
		}
		delete(r.viewers, c.ID)
		r.log.Info("viewer left", "client", c.ID)
		if r.streamer != nil {
			r.route(&res, r.streamer, &signaling.Envelope{Type: signaling.TypeViewerLeft, ViewerID: c.ID})
		}
	}

	return res
}

// Streamer returns the current streamer connection, if any.
func (r *Room) Streamer() *Client {
	return r.streamer
}

// Viewer returns the display name of a registered viewer.
func (r *Room) Viewer(id string) (string, bool) {
	v, ok := r.viewers[id]
	if !ok {
		return "", false
	}
	return v.name, true
}

// ViewerCount returns the number of registered viewers.
func (r *Room) ViewerCount() int {
	return len(r.viewers)
}

func (r *Room) route(res *Result, to *Client, env *signaling.Envelope) {
	r.metrics.Inc(metrics.EnvelopeRouted)
	res.deliver(to, env)
}

func (r *Room) drop(from *Client, env *signaling.Envelope, reason string) {
	r.metrics.Inc(metrics.EnvelopeDropped)
	r.log.Debug("dropping envelope", "client", from.ID, "type", env.Type, "reason", reason)
}

// apply performs a Result without ever blocking the loop.
func (r *Room) apply(res Result) {
	for _, d := range res.Deliveries {
		if d.To.sendClosed {
			continue
		}
		select {
		case d.To.Send <- d.Envelope:
		default:
			r.metrics.Inc(metrics.SendBufferFull)
			r.log.Warn("send buffer full, dropping envelope", "client", d.To.ID, "type", d.Envelope.Type)
		}
	}
	for _, c := range res.Closes {
		r.closeSend(c)
	}
}

func (r *Room) closeSend(c *Client) {
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}
