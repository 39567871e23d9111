package peer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/BioHazard786/peerstream/internal/media"
)

const sessionInbox = 64

// Session is one streamer-viewer pair. Negotiation work runs serially on the
// session's own goroutine; state is readable from anywhere.
type Session struct {
	// ID is the viewer id on the streamer, StreamerSessionID on a viewer.
	ID   string
	Name string

	transport Transport
	queue     CandidateQueue

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// remoteSet is only touched by the session goroutine.
	remoteSet bool

	mu          sync.Mutex
	state       State
	sinks       []*guardedSink
	timer       *time.Timer
	connectedAt time.Time
}

func newSession(parent context.Context, id, name string, t Transport) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        id,
		Name:      name,
		transport: t,
		tasks:     make(chan func(), sessionInbox),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// run executes queued work until the session closes. Work still queued at
// that point is discarded.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.tasks:
			if s.ctx.Err() != nil {
				return
			}
			task()
		}
	}
}

// enqueue schedules work on the session goroutine. It reports false once the
// session is closed.
func (s *Session) enqueue(task func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.tasks <- task:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedAt returns when the transport first connected, or the zero time.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// QueuedCandidates returns how many remote candidates await the remote
// description.
func (s *Session) QueuedCandidates() int {
	return s.queue.Len()
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return WrapError("transition to "+to.String(), s.ID, ErrSessionClosed)
	}
	if !CanTransition(s.state, to) {
		return WrapError(s.state.String()+" -> "+to.String(), s.ID, ErrInvalidTransition)
	}
	s.state = to
	if to == StateConnected {
		s.connectedAt = time.Now()
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	return nil
}

// armTimeout calls expired if the session has not connected within d.
func (s *Session) armTimeout(d time.Duration, expired func()) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(d, func() {
		if st := s.State(); st != StateConnected && st != StateClosed {
			expired()
		}
	})
}

// shutdown marks the session closed and cancels pending work. It reports
// whether this call closed it.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	return true
}

func (s *Session) closeTransport() {
	if err := s.transport.Close(); err != nil {
		slog.Debug("transport close failed", "peer", s.ID, "err", err)
	}
}

// addSink registers a playback sink. It reports false when the session is
// already closed; the caller then owns the sink.
func (s *Session) addSink(sink media.Sink) (*guardedSink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, false
	}
	g := &guardedSink{sink: sink}
	s.sinks = append(s.sinks, g)
	return g, true
}

func (s *Session) releaseSinks() {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = nil
	s.mu.Unlock()

	for _, g := range sinks {
		if err := g.Close(); err != nil {
			slog.Debug("sink close failed", "peer", s.ID, "err", err)
		}
	}
}

// guardedSink keeps track pumps from writing into a released sink.
type guardedSink struct {
	mu     sync.Mutex
	sink   media.Sink
	closed bool
}

func (g *guardedSink) WriteRTP(pkt *rtp.Packet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSessionClosed
	}
	return g.sink.WriteRTP(pkt)
}

func (g *guardedSink) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.sink.Close()
}
