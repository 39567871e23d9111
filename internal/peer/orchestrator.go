package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/peerstream/internal/media"
	"github.com/BioHazard786/peerstream/internal/signaling"
)

// Effect says what Dispatch scheduled for an envelope.
type Effect int

const (
	EffectIgnored Effect = iota
	EffectSessionCreated
	EffectQueued
	EffectSessionClosed
	EffectTeardown
)

func (e Effect) String() string {
	switch e {
	case EffectIgnored:
		return "ignored"
	case EffectSessionCreated:
		return "session-created"
	case EffectQueued:
		return "queued"
	case EffectSessionClosed:
		return "session-closed"
	case EffectTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

// Signaler carries envelopes to the relay. *signaling.Client satisfies it.
type Signaler interface {
	Send(env *signaling.Envelope) error
	Close() error
}

// Options configures an Orchestrator.
type Options struct {
	Role Role
	// Name is the local display name stamped on chat messages.
	Name string

	Signaler   Signaler
	Transports TransportFactory

	// Media holds the local tracks: screen and microphone on the streamer,
	// microphone only on a viewer. May be nil.
	Media media.Source
	// Sinks builds playback sinks for inbound tracks. Nil discards them.
	Sinks    media.SinkFactory
	Notifier Notifier

	// NegotiationTimeout closes sessions that do not connect in time. Zero
	// disables it.
	NegotiationTimeout time.Duration
}

// Orchestrator drives every PeerSession of one client from relay envelopes.
type Orchestrator struct {
	role     Role
	name     string
	signaler Signaler
	newTrans TransportFactory
	local    media.Source
	sinks    media.SinkFactory
	notifier Notifier
	timeout  time.Duration

	chat      *Chat
	lifecycle *Lifecycle

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	// drained holds the sessions taken by teardown for its later steps.
	drained []*Session
}

func New(opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		role:     opts.Role,
		name:     opts.Name,
		signaler: opts.Signaler,
		newTrans: opts.Transports,
		local:    opts.Media,
		sinks:    opts.Sinks,
		notifier: opts.Notifier,
		timeout:  opts.NegotiationTimeout,
		chat:     NewChat(opts.Name, opts.Role),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	if o.sinks == nil {
		o.sinks = media.DiscardSinks
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}

	o.lifecycle = NewLifecycle(o.announce,
		Step{Name: "close signaling", Run: o.closeSignaling},
		Step{Name: "stop local media", Run: o.stopMedia},
		Step{Name: "close sessions", Run: o.closeSessions},
		Step{Name: "release sinks", Run: o.releaseSinks},
		Step{Name: "clear candidate queues", Run: o.clearQueues},
	)
	return o
}

// Start announces this client to the relay.
func (o *Orchestrator) Start() error {
	env := &signaling.Envelope{Type: signaling.TypeInitStreamer}
	if o.role == RoleViewer {
		env = &signaling.Envelope{Type: signaling.TypeInitViewer, Name: o.name}
	}
	if err := o.signaler.Send(env); err != nil {
		return NewError("announce "+o.role.String(), err)
	}
	return nil
}

// Role returns the side this client plays.
func (o *Orchestrator) Role() Role { return o.role }

// Chat returns the chat manager.
func (o *Orchestrator) Chat() *Chat { return o.chat }

// Done is closed once the client has been torn down.
func (o *Orchestrator) Done() <-chan struct{} { return o.lifecycle.Done() }

// Reason returns why the client was torn down. Only meaningful after Done.
func (o *Orchestrator) Reason() Reason { return o.lifecycle.Reason() }

// Leave tears the client down without announcing anything. It returns once
// teardown has finished, even when another goroutine started it.
func (o *Orchestrator) Leave() {
	o.lifecycle.Teardown(ReasonLeave)
	<-o.lifecycle.Done()
}

// InStream reports whether the client is part of a live stream: a streamer
// until torn down, a viewer while its streamer session is open.
func (o *Orchestrator) InStream() bool {
	if o.lifecycle.TornDown() {
		return false
	}
	if o.role == RoleStreamer {
		return true
	}
	s := o.session(StreamerSessionID)
	return s != nil && s.State() != StateClosed
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID          string
	Name        string
	State       State
	ConnectedAt time.Time
}

// Sessions returns a snapshot of every live session, ordered by name.
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{ID: s.ID, Name: s.Name, State: s.State(), ConnectedAt: s.ConnectedAt()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Session returns the live session keyed by id.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	s := o.session(id)
	return s, s != nil
}

func (o *Orchestrator) session(id string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

// HandleEnvelope implements signaling.Dispatcher.
func (o *Orchestrator) HandleEnvelope(env *signaling.Envelope) {
	effect := o.Dispatch(env)
	slog.Debug("envelope handled", "type", env.Type, "effect", effect.String())
}

// Disconnected implements signaling.Dispatcher. Losing the relay ends the
// stream for a viewer and strands a streamer.
func (o *Orchestrator) Disconnected() {
	if o.role == RoleViewer {
		o.lifecycle.Teardown(ReasonStreamEnded)
		return
	}
	o.lifecycle.Teardown(ReasonSignalingLost)
}

// Dispatch is the single entry point for relay envelopes.
func (o *Orchestrator) Dispatch(env *signaling.Envelope) Effect {
	if o.lifecycle.TornDown() {
		return EffectIgnored
	}

	switch env.Type {
	case signaling.TypeViewerJoined:
		if o.role != RoleStreamer {
			return o.ignore(env, ErrWrongRole)
		}
		return o.viewerJoined(env.ViewerID, env.Name)

	case signaling.TypeViewerLeft:
		if o.role != RoleStreamer {
			return o.ignore(env, ErrWrongRole)
		}
		s := o.session(env.ViewerID)
		if s == nil || !o.closeSession(env.ViewerID) {
			return o.ignore(env, ErrUnknownSession)
		}
		o.notifier.Notify(Event{Kind: EventLeft, Peer: s.ID, Name: s.Name, Text: s.Name + " has left."})
		return EffectSessionClosed

	case signaling.TypeAnswer:
		if o.role != RoleStreamer {
			return o.ignore(env, ErrWrongRole)
		}
		desc, err := env.SessionDescription()
		if err != nil {
			return o.ignore(env, err)
		}
		s := o.session(env.From)
		if s == nil {
			return o.ignore(env, ErrUnknownSession)
		}
		if !s.enqueue(func() { o.applyAnswer(s, desc) }) {
			return o.ignore(env, ErrSessionClosed)
		}
		return EffectQueued

	case signaling.TypeOffer:
		if o.role != RoleViewer {
			return o.ignore(env, ErrWrongRole)
		}
		desc, err := env.SessionDescription()
		if err != nil {
			return o.ignore(env, err)
		}
		s, created, err := o.streamerSession()
		if err != nil {
			return o.ignore(env, err)
		}
		if !s.enqueue(func() { o.applyOffer(s, desc) }) {
			return o.ignore(env, ErrSessionClosed)
		}
		if created {
			return EffectSessionCreated
		}
		return EffectQueued

	case signaling.TypeICE:
		candidate, err := env.ICECandidate()
		if err != nil {
			return o.ignore(env, err)
		}

		var (
			s       *Session
			created bool
		)
		if o.role == RoleStreamer {
			// Candidates from viewers we never negotiated with are dropped.
			if s = o.session(env.From); s == nil {
				return o.ignore(env, ErrUnknownSession)
			}
		} else if s, created, err = o.streamerSession(); err != nil {
			return o.ignore(env, err)
		}

		if !s.enqueue(func() { o.addCandidate(s, candidate) }) {
			return o.ignore(env, ErrSessionClosed)
		}
		if created {
			return EffectSessionCreated
		}
		return EffectQueued

	case signaling.TypeStreamerLeft:
		if o.role != RoleViewer {
			return o.ignore(env, ErrWrongRole)
		}
		o.lifecycle.Teardown(ReasonStreamEnded)
		return EffectTeardown

	default:
		return o.ignore(env, signaling.ErrUnknownType)
	}
}

func (o *Orchestrator) ignore(env *signaling.Envelope, why error) Effect {
	slog.Debug("ignoring envelope", "type", env.Type, "reason", why)
	return EffectIgnored
}

func (o *Orchestrator) viewerJoined(id, name string) Effect {
	if id == "" {
		return EffectIgnored
	}
	if name == "" {
		name = signaling.DefaultViewerName
	}

	s, err := o.openSession(id, name)
	if err != nil {
		slog.Warn("could not open session", "peer", id, "err", err)
		o.notifier.Notify(Event{Kind: EventError, Peer: id, Name: name, Text: err.Error()})
		return EffectIgnored
	}

	o.notifier.Notify(Event{Kind: EventJoined, Peer: id, Name: name, Text: name + " joined the stream."})
	if !s.enqueue(func() { o.sendOffer(s) }) {
		return EffectIgnored
	}
	return EffectSessionCreated
}

// streamerSession returns the viewer's single session, creating it on the
// first offer or candidate.
func (o *Orchestrator) streamerSession() (*Session, bool, error) {
	if s := o.session(StreamerSessionID); s != nil {
		return s, false, nil
	}
	s, err := o.openSession(StreamerSessionID, "Streamer")
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// openSession creates and starts a session in Idle, replacing any session
// under the same id.
func (o *Orchestrator) openSession(id, name string) (*Session, error) {
	t, err := o.newTrans()
	if err != nil {
		return nil, WrapError("open session", id, err)
	}

	s := newSession(o.ctx, id, name, t)
	o.wire(s)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.shutdown()
		s.closeTransport()
		return nil, WrapError("open session", id, ErrSessionClosed)
	}
	old := o.sessions[id]
	o.sessions[id] = s
	o.mu.Unlock()

	if old != nil {
		o.finish(old)
	}

	go s.run()
	s.armTimeout(o.timeout, func() {
		slog.Warn("negotiation timed out", "peer", s.ID, "state", s.State().String())
		o.peerLost(s, ErrNegotiationTimeout)
	})
	return s, nil
}

func (o *Orchestrator) wire(s *Session) {
	t := s.transport

	to := s.ID
	if o.role == RoleViewer {
		to = ""
	}
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.enqueue(func() {
			env, err := signaling.NewICE(c, to)
			if err != nil {
				slog.Warn("encode candidate", "peer", s.ID, "err", err)
				return
			}
			o.send(s, env)
		})
	})

	t.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("connection state", "peer", s.ID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if err := s.transition(StateConnected); err != nil {
				slog.Debug("connected transition", "peer", s.ID, "err", err)
				return
			}
			o.notifier.Notify(Event{Kind: EventConnected, Peer: s.ID, Name: s.Name})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if s.State() == StateClosed {
				return
			}
			go o.peerLost(s, fmt.Errorf("transport %s", state))
		}
	})

	t.OnTrack(func(track RemoteTrack) {
		o.onTrack(s, track)
	})

	if o.role == RoleViewer {
		t.OnDataChannel(func(ch Channel) {
			if ch.Label() != ChatLabel || s.State() == StateClosed {
				ch.Close()
				return
			}
			o.chat.Attach(s.ID, ch)
		})
	}
}

// sendOffer runs on the session goroutine of a newly joined viewer.
func (o *Orchestrator) sendOffer(s *Session) {
	t := s.transport

	if o.local != nil {
		for _, track := range o.local.Tracks() {
			if err := t.AddTrack(track); err != nil {
				slog.Warn("attach local track", "peer", s.ID, "track", track.ID(), "err", err)
			}
		}
	}
	if !media.HasAudio(o.local) {
		if err := t.AddRecvonlyAudio(); err != nil {
			slog.Warn("add receive-only audio", "peer", s.ID, "err", err)
		}
	}

	ch, err := t.CreateChatChannel(ChatLabel)
	if err != nil {
		o.fail(s, err)
		return
	}
	o.chat.Attach(s.ID, ch)

	offer, err := t.CreateOffer()
	if err != nil {
		o.fail(s, err)
		return
	}
	if err := s.transition(StateOfferSent); err != nil {
		slog.Debug("offer transition", "peer", s.ID, "err", err)
		return
	}

	env, err := signaling.NewOffer(offer, s.ID)
	if err != nil {
		o.fail(s, err)
		return
	}
	o.send(s, env)
}

// applyAnswer runs on the session goroutine.
func (o *Orchestrator) applyAnswer(s *Session, answer webrtc.SessionDescription) {
	if st := s.State(); st != StateOfferSent {
		slog.Debug("unexpected answer", "peer", s.ID, "err", WrapError(st.String()+" -> answered", s.ID, ErrInvalidTransition))
		return
	}
	if err := s.transport.SetRemoteDescription(answer); err != nil {
		o.fail(s, err)
		return
	}
	s.remoteSet = true
	if err := s.transition(StateAnswered); err != nil {
		slog.Debug("answer transition", "peer", s.ID, "err", err)
		return
	}
	o.drain(s)
}

// applyOffer runs on the session goroutine.
func (o *Orchestrator) applyOffer(s *Session, offer webrtc.SessionDescription) {
	if err := s.transition(StateOfferReceived); err != nil {
		slog.Debug("unexpected offer", "peer", s.ID, "err", err)
		return
	}
	t := s.transport

	if err := t.SetRemoteDescription(offer); err != nil {
		o.fail(s, err)
		return
	}
	s.remoteSet = true

	if o.local != nil {
		for _, track := range o.local.Tracks() {
			if err := t.AddTrack(track); err != nil {
				slog.Warn("attach microphone", "peer", s.ID, "err", err)
			}
		}
	}

	if err := s.transition(StateAnswered); err != nil {
		slog.Debug("answer transition", "peer", s.ID, "err", err)
		return
	}
	o.drain(s)

	answer, err := t.CreateAnswer()
	if err != nil {
		o.fail(s, err)
		return
	}
	env, err := signaling.NewAnswer(answer)
	if err != nil {
		o.fail(s, err)
		return
	}
	o.send(s, env)
}

// addCandidate runs on the session goroutine.
func (o *Orchestrator) addCandidate(s *Session, c webrtc.ICECandidateInit) {
	if !s.remoteSet {
		s.queue.Push(c)
		return
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		slog.Warn("apply candidate", "peer", s.ID, "err", err)
	}
}

func (o *Orchestrator) drain(s *Session) {
	for _, c := range s.queue.Drain() {
		if err := s.transport.AddICECandidate(c); err != nil {
			slog.Warn("apply queued candidate", "peer", s.ID, "err", err)
		}
	}
}

// send drops envelopes for sessions that have been closed.
func (o *Orchestrator) send(s *Session, env *signaling.Envelope) {
	if s.ctx.Err() != nil {
		return
	}
	if err := o.signaler.Send(env); err != nil {
		slog.Warn("signaling send failed", "peer", s.ID, "type", env.Type, "err", err)
	}
}

func (o *Orchestrator) onTrack(s *Session, track RemoteTrack) {
	kind := track.Kind()
	if o.role == RoleStreamer && kind != webrtc.RTPCodecTypeAudio {
		slog.Debug("ignoring non-audio track from viewer", "peer", s.ID, "kind", kind.String())
		return
	}

	sink, err := o.sinks(s.ID, kind, track.MimeType())
	if err != nil {
		slog.Warn("playback sink unavailable", "peer", s.ID, "err", err)
		o.notifier.Notify(Event{Kind: EventMediaUnavailable, Peer: s.ID, Name: s.Name, Text: err.Error()})
		sink = &media.Discard{}
	}

	g, ok := s.addSink(sink)
	if !ok {
		sink.Close()
		return
	}

	slog.Info("receiving track", "peer", s.ID, "kind", kind.String(), "codec", track.MimeType())
	go func() {
		for {
			pkt, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := g.WriteRTP(pkt); err != nil {
				if !errors.Is(err, ErrSessionClosed) {
					slog.Debug("sink write failed", "peer", s.ID, "err", err)
				}
				return
			}
		}
	}()
}

// fail closes a session whose negotiation broke.
func (o *Orchestrator) fail(s *Session, err error) {
	if s.ctx.Err() != nil {
		return
	}
	slog.Error("negotiation failed", "peer", s.ID, "err", err)
	o.notifier.Notify(Event{Kind: EventError, Peer: s.ID, Name: s.Name, Text: err.Error()})
	o.peerLost(s, err)
}

// peerLost closes one viewer on the streamer and ends everything on a viewer.
func (o *Orchestrator) peerLost(s *Session, why error) {
	if o.role == RoleViewer {
		slog.Info("lost the streamer", "err", why)
		o.lifecycle.Teardown(ReasonConnectionLost)
		return
	}
	if o.closeSession(s.ID) {
		slog.Info("viewer connection lost", "peer", s.ID, "err", why)
		o.notifier.Notify(Event{Kind: EventConnectionLost, Peer: s.ID, Name: s.Name, Text: s.Name + " has left."})
	}
}

// closeSession removes and closes the session keyed by id. It reports whether
// a session was closed.
func (o *Orchestrator) closeSession(id string) bool {
	o.mu.Lock()
	s := o.sessions[id]
	delete(o.sessions, id)
	o.mu.Unlock()

	if s == nil {
		return false
	}
	return o.finish(s)
}

func (o *Orchestrator) finish(s *Session) bool {
	if !s.shutdown() {
		return false
	}
	o.chat.Detach(s.ID)
	s.closeTransport()
	s.releaseSinks()
	s.queue.Clear()
	return true
}

func (o *Orchestrator) closeSignaling() error {
	if o.signaler == nil {
		return nil
	}
	return o.signaler.Close()
}

func (o *Orchestrator) stopMedia() error {
	if o.local != nil {
		o.local.Stop()
	}
	return nil
}

func (o *Orchestrator) closeSessions() error {
	o.mu.Lock()
	o.closed = true
	for id, s := range o.sessions {
		o.drained = append(o.drained, s)
		delete(o.sessions, id)
	}
	drained := o.drained
	o.mu.Unlock()

	o.cancel()
	var errs []error
	for _, s := range drained {
		s.shutdown()
		o.chat.Detach(s.ID)
		if err := s.transport.Close(); err != nil {
			errs = append(errs, WrapError("close transport", s.ID, err))
		}
	}
	o.chat.DetachAll()
	return errors.Join(errs...)
}

func (o *Orchestrator) releaseSinks() error {
	for _, s := range o.drainedSessions() {
		s.releaseSinks()
	}
	return nil
}

func (o *Orchestrator) clearQueues() error {
	for _, s := range o.drainedSessions() {
		s.queue.Clear()
	}
	return nil
}

func (o *Orchestrator) drainedSessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drained
}

func (o *Orchestrator) announce(reason Reason) {
	switch reason {
	case ReasonStreamEnded:
		o.notifier.Notify(Event{Kind: EventStreamEnded, Text: "stream ended"})
	case ReasonSignalingLost:
		o.notifier.Notify(Event{Kind: EventConnectionLost, Text: "connection to the relay was lost"})
	case ReasonConnectionLost:
		o.notifier.Notify(Event{Kind: EventConnectionLost, Text: "connection to the streamer was lost"})
	}
}
