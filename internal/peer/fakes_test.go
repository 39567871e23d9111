package peer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/peerstream/internal/media"
	"github.com/BioHazard786/peerstream/internal/signaling"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	onMessage func(webrtc.DataChannelMessage)
	onOpen    func()
	onClose   func()
}

func newFakeChannel(label string, open bool) *fakeChannel {
	st := webrtc.DataChannelStateConnecting
	if open {
		st = webrtc.DataChannelStateOpen
	}
	return &fakeChannel{label: label, state: st}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.DataChannelStateOpen {
		return errors.New("not open")
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h()
	}
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	h := c.onOpen
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

func (c *fakeChannel) deliver(data string) {
	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h != nil {
		h(webrtc.DataChannelMessage{IsString: true, Data: []byte(data)})
	}
}

func (c *fakeChannel) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChannel) closed() bool {
	return c.ReadyState() == webrtc.DataChannelStateClosed
}

type fakeTransport struct {
	mu       sync.Mutex
	ops      []string
	tracks   []webrtc.TrackLocal
	recvonly bool
	channel  *fakeChannel
	isClosed bool

	failRemote bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(RemoteTrack)
	onChannel   func(Channel)
}

func (t *fakeTransport) record(op string) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks = append(t.tracks, track)
	t.mu.Unlock()
	t.record("add-track:" + track.Kind().String())
	return nil
}

func (t *fakeTransport) AddRecvonlyAudio() error {
	t.mu.Lock()
	t.recvonly = true
	t.mu.Unlock()
	t.record("recvonly-audio")
	return nil
}

func (t *fakeTransport) CreateChatChannel(label string) (Channel, error) {
	ch := newFakeChannel(label, false)
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
	t.record("chat:" + label)
	return ch, nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.failRemote {
		return errors.New("bad sdp")
	}
	t.record("set-remote:" + desc.Type.String())
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.record("add-ice:" + c.Candidate)
	return nil
}

func (t *fakeTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(f func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnDataChannel(f func(Channel)) {
	t.mu.Lock()
	t.onChannel = f
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.isClosed = true
	t.mu.Unlock()
	t.record("close")
	return nil
}

func (t *fakeTransport) opsSnapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

func (t *fakeTransport) hasOp(op string) bool {
	for _, o := range t.opsSnapshot() {
		if o == op {
			return true
		}
	}
	return false
}

// indexOf returns the position of op in the recorded operations, or -1.
func (t *fakeTransport) indexOf(op string) int {
	for i, o := range t.opsSnapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

func (t *fakeTransport) closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isClosed
}

func (t *fakeTransport) chat() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

func (t *fakeTransport) emitCandidate(c string) {
	t.mu.Lock()
	f := t.onCandidate
	t.mu.Unlock()
	f(webrtc.ICECandidateInit{Candidate: c})
}

func (t *fakeTransport) setState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()
	f(s)
}

func (t *fakeTransport) emitTrack(track RemoteTrack) {
	t.mu.Lock()
	f := t.onTrack
	t.mu.Unlock()
	f(track)
}

func (t *fakeTransport) emitChannel(ch Channel) {
	t.mu.Lock()
	f := t.onChannel
	t.mu.Unlock()
	f(ch)
}

type fakeTransports struct {
	mu  sync.Mutex
	all []*fakeTransport
}

func (f *fakeTransports) factory() (Transport, error) {
	t := &fakeTransport{}
	f.mu.Lock()
	f.all = append(f.all, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeTransports) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[i]
}

func (f *fakeTransports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

type fakeSignaler struct {
	mu       sync.Mutex
	sent     []*signaling.Envelope
	isClosed int
}

func (s *fakeSignaler) Send(env *signaling.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed > 0 {
		return signaling.ErrClosed
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	s.isClosed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

func (s *fakeSignaler) ofType(typ signaling.Type) []*signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signaling.Envelope
	for _, e := range s.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type fakeSource struct {
	tracks  []webrtc.TrackLocal
	mu      sync.Mutex
	stopped int
	// release, when set, holds Stop until it is closed.
	release chan struct{}
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	}
}

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func newTrack(t *testing.T, mime, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	mime    string
	packets chan *rtp.Packet
}

func newFakeTrack(kind webrtc.RTPCodecType, mime string) *fakeTrack {
	return &fakeTrack{kind: kind, mime: mime, packets: make(chan *rtp.Packet, 16)}
}

func (f *fakeTrack) ID() string                { return "remote-" + f.kind.String() }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) MimeType() string          { return f.mime }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type countingSink struct {
	mu      sync.Mutex
	packets int
	closed  bool
}

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	return nil
}

func (s *countingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *countingSink) snapshot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.closed
}

type sinkRecorder struct {
	mu    sync.Mutex
	sinks []*countingSink
	kinds []webrtc.RTPCodecType
}

func (r *sinkRecorder) factory(peerID string, kind webrtc.RTPCodecType, mime string) (media.Sink, error) {
	s := &countingSink{}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	return s, nil
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

func (r *sinkRecorder) get(i int) *countingSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[i]
}
