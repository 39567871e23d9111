package peer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/peerstream/internal/signaling"
)

type harness struct {
	o      *Orchestrator
	sig    *fakeSignaler
	trans  *fakeTransports
	events *eventLog
}

func newHarness(t *testing.T, role Role, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{sig: &fakeSignaler{}, trans: &fakeTransports{}, events: &eventLog{}}
	opts := Options{
		Role:       role,
		Name:       "Host",
		Signaler:   h.sig,
		Transports: h.trans.factory,
		Notifier:   h.events,
	}
	if configure != nil {
		configure(&opts)
	}
	h.o = New(opts)
	t.Cleanup(h.o.Leave)
	return h
}

func (h *harness) state(t *testing.T, id string) State {
	t.Helper()
	s, ok := h.o.Session(id)
	if !ok {
		return StateClosed
	}
	return s.State()
}

func (h *harness) waitState(t *testing.T, id string, want State) {
	t.Helper()
	waitFor(t, "session "+id+" in "+want.String(), func() bool { return h.state(t, id) == want })
}

func descEnv(t *testing.T, typ signaling.Type, from, to string) *signaling.Envelope {
	t.Helper()
	sdpType := webrtc.SDPTypeOffer
	if typ == signaling.TypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	raw, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: "v=0 remote"})
	if err != nil {
		t.Fatalf("marshal sdp: %v", err)
	}
	env := &signaling.Envelope{Type: typ, From: from, To: to}
	if typ == signaling.TypeAnswer {
		env.Answer = raw
	} else {
		env.Offer = raw
	}
	return env
}

func iceEnv(t *testing.T, candidate, from, to string) *signaling.Envelope {
	t.Helper()
	env, err := signaling.NewICE(webrtc.ICECandidateInit{Candidate: candidate}, to)
	if err != nil {
		t.Fatalf("new ice: %v", err)
	}
	env.From = from
	return env
}

func TestStartAnnouncesRole(t *testing.T) {
	s := newHarness(t, RoleStreamer, nil)
	if err := s.o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.sig.ofType(signaling.TypeInitStreamer); len(got) != 1 {
		t.Fatalf("init_streamer sent %d times", len(got))
	}

	v := newHarness(t, RoleViewer, func(o *Options) { o.Name = "Ann" })
	if err := v.o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := v.sig.ofType(signaling.TypeInitViewer)
	if len(got) != 1 || got[0].Name != "Ann" {
		t.Fatalf("init_viewer = %+v", got)
	}
}

func TestViewerJoinedSendsOffer(t *testing.T) {
	src := &fakeSource{tracks: []webrtc.TrackLocal{newTrack(t, webrtc.MimeTypeVP8, "video")}}
	h := newHarness(t, RoleStreamer, func(o *Options) { o.Media = src })

	effect := h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1", Name: "Ann"})
	if effect != EffectSessionCreated {
		t.Fatalf("effect = %v, want session-created", effect)
	}
	h.waitState(t, "v1", StateOfferSent)

	offers := h.sig.ofType(signaling.TypeOffer)
	if len(offers) != 1 || offers[0].To != "v1" {
		t.Fatalf("offers = %+v", offers)
	}
	tr := h.trans.get(0)
	for _, op := range []string{"add-track:video", "recvonly-audio", "chat:" + ChatLabel, "create-offer"} {
		if !tr.hasOp(op) {
			t.Fatalf("missing %q in %v", op, tr.opsSnapshot())
		}
	}
	if tr.indexOf("chat:"+ChatLabel) > tr.indexOf("create-offer") {
		t.Fatalf("chat channel created after offer: %v", tr.opsSnapshot())
	}
	if n := h.events.count(EventJoined); n != 1 {
		t.Fatalf("joined events = %d", n)
	}
	sessions := h.o.Sessions()
	if len(sessions) != 1 || sessions[0].Name != "Ann" {
		t.Fatalf("Sessions() = %+v", sessions)
	}
}

func TestStreamerWithAudioSkipsRecvonly(t *testing.T) {
	src := &fakeSource{tracks: []webrtc.TrackLocal{
		newTrack(t, webrtc.MimeTypeVP8, "video"),
		newTrack(t, webrtc.MimeTypeOpus, "audio"),
	}}
	h := newHarness(t, RoleStreamer, func(o *Options) { o.Media = src })

	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)

	tr := h.trans.get(0)
	if tr.hasOp("recvonly-audio") {
		t.Fatalf("recvonly audio added despite local audio: %v", tr.opsSnapshot())
	}
	if !tr.hasOp("add-track:audio") {
		t.Fatalf("audio track not attached: %v", tr.opsSnapshot())
	}
	if s := h.o.Sessions(); s[0].Name != signaling.DefaultViewerName {
		t.Fatalf("name = %q, want default", s[0].Name)
	}
}

func TestCandidatesBeforeAnswerAreQueued(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)

	for _, c := range []string{"c1", "c2"} {
		if effect := h.o.Dispatch(iceEnv(t, c, "v1", "")); effect != EffectQueued {
			t.Fatalf("ice effect = %v", effect)
		}
	}
	s, _ := h.o.Session("v1")
	waitFor(t, "two queued candidates", func() bool { return s.QueuedCandidates() == 2 })

	tr := h.trans.get(0)
	if tr.hasOp("add-ice:c1") {
		t.Fatal("candidate applied before the answer")
	}

	if effect := h.o.Dispatch(descEnv(t, signaling.TypeAnswer, "v1", "")); effect != EffectQueued {
		t.Fatalf("answer effect = %v", effect)
	}
	waitFor(t, "queued candidates applied", func() bool { return tr.hasOp("add-ice:c2") })

	remote, c1, c2 := tr.indexOf("set-remote:answer"), tr.indexOf("add-ice:c1"), tr.indexOf("add-ice:c2")
	if !(remote < c1 && c1 < c2) {
		t.Fatalf("order = %v", tr.opsSnapshot())
	}
	if s.QueuedCandidates() != 0 {
		t.Fatalf("queue not drained: %d", s.QueuedCandidates())
	}
	if got := h.state(t, "v1"); got != StateAnswered {
		t.Fatalf("state = %v", got)
	}

	// Once the remote description is set candidates apply directly.
	h.o.Dispatch(iceEnv(t, "c3", "v1", ""))
	waitFor(t, "late candidate", func() bool { return tr.hasOp("add-ice:c3") })
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)

	h.trans.get(0).emitCandidate("local1")
	waitFor(t, "ice sent", func() bool { return len(h.sig.ofType(signaling.TypeICE)) == 1 })

	ice := h.sig.ofType(signaling.TypeICE)[0]
	if ice.To != "v1" {
		t.Fatalf("ice to = %q", ice.To)
	}
	c, err := ice.ICECandidate()
	if err != nil || c.Candidate != "local1" {
		t.Fatalf("candidate = %+v, %v", c, err)
	}
}

func TestUnexpectedEnvelopesIgnored(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)

	cases := []struct {
		name string
		env  *signaling.Envelope
	}{
		{"ice from unknown viewer", iceEnv(t, "c1", "ghost", "")},
		{"answer from unknown viewer", descEnv(t, signaling.TypeAnswer, "ghost", "")},
		{"viewer_left for unknown viewer", &signaling.Envelope{Type: signaling.TypeViewerLeft, ViewerID: "ghost"}},
		{"offer on the streamer", descEnv(t, signaling.TypeOffer, "", "")},
		{"streamer_left on the streamer", &signaling.Envelope{Type: signaling.TypeStreamerLeft}},
		{"unknown type", &signaling.Envelope{Type: "bogus"}},
		{"viewer_joined without id", &signaling.Envelope{Type: signaling.TypeViewerJoined}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if effect := h.o.Dispatch(tc.env); effect != EffectIgnored {
				t.Fatalf("effect = %v, want ignored", effect)
			}
		})
	}
	if h.trans.count() != 0 {
		t.Fatalf("transports created: %d", h.trans.count())
	}

	v := newHarness(t, RoleViewer, nil)
	if effect := v.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"}); effect != EffectIgnored {
		t.Fatalf("viewer_joined on a viewer: %v", effect)
	}
}

func TestViewerBuffersCandidatesBeforeOffer(t *testing.T) {
	mic := &fakeSource{tracks: []webrtc.TrackLocal{newTrack(t, webrtc.MimeTypeOpus, "audio")}}
	h := newHarness(t, RoleViewer, func(o *Options) { o.Media = mic })

	if effect := h.o.Dispatch(iceEnv(t, "early", "", "v1")); effect != EffectSessionCreated {
		t.Fatalf("first ice effect = %v", effect)
	}
	s, ok := h.o.Session(StreamerSessionID)
	if !ok {
		t.Fatal("streamer session not created")
	}
	waitFor(t, "candidate queued", func() bool { return s.QueuedCandidates() == 1 })
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}

	if effect := h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1")); effect != EffectQueued {
		t.Fatalf("offer effect = %v", effect)
	}
	waitFor(t, "answer sent", func() bool { return len(h.sig.ofType(signaling.TypeAnswer)) == 1 })

	tr := h.trans.get(0)
	remote, mic1, early, answer := tr.indexOf("set-remote:offer"), tr.indexOf("add-track:audio"), tr.indexOf("add-ice:early"), tr.indexOf("create-answer")
	if remote < 0 || mic1 < remote || early < remote || answer < mic1 {
		t.Fatalf("order = %v", tr.opsSnapshot())
	}
	if h.trans.count() != 1 {
		t.Fatalf("transports = %d, want one session", h.trans.count())
	}
	if !h.o.InStream() {
		t.Fatal("InStream = false with an open session")
	}
}

func TestViewerJoinsChatChannel(t *testing.T) {
	h := newHarness(t, RoleViewer, nil)
	h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1"))
	waitFor(t, "answer sent", func() bool { return len(h.sig.ofType(signaling.TypeAnswer)) == 1 })

	tr := h.trans.get(0)
	other := newFakeChannel("files", true)
	tr.emitChannel(other)
	if !other.closed() {
		t.Fatal("channel with a foreign label kept open")
	}

	ch := newFakeChannel(ChatLabel, true)
	tr.emitChannel(ch)
	if err := h.o.Chat().Send(StreamerSessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ch.sentTexts(); len(got) != 1 {
		t.Fatalf("sent = %v", got)
	}
}

func TestViewerLeftClosesSession(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1", Name: "Ann"})
	h.waitState(t, "v1", StateOfferSent)
	tr := h.trans.get(0)

	if effect := h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerLeft, ViewerID: "v1"}); effect != EffectSessionClosed {
		t.Fatalf("effect = %v", effect)
	}
	if !tr.closed() {
		t.Fatal("transport not closed")
	}
	if !tr.chat().closed() {
		t.Fatal("chat channel not closed")
	}
	if n := h.events.count(EventLeft); n != 1 {
		t.Fatalf("left events = %d", n)
	}
	if _, ok := h.o.Session("v1"); ok {
		t.Fatal("session still registered")
	}

	// Late traffic for the closed session produces nothing.
	tr.emitCandidate("late")
	if effect := h.o.Dispatch(descEnv(t, signaling.TypeAnswer, "v1", "")); effect != EffectIgnored {
		t.Fatalf("late answer effect = %v", effect)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.sig.ofType(signaling.TypeICE)); n != 0 {
		t.Fatalf("ice sent for a closed session: %d", n)
	}
	if h.o.lifecycle.TornDown() {
		t.Fatal("streamer torn down by a viewer leaving")
	}
}

func TestStreamerLeftTearsDownViewer(t *testing.T) {
	mic := &fakeSource{}
	h := newHarness(t, RoleViewer, func(o *Options) { o.Media = mic })
	h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1"))
	waitFor(t, "answer sent", func() bool { return len(h.sig.ofType(signaling.TypeAnswer)) == 1 })
	tr := h.trans.get(0)

	if effect := h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeStreamerLeft}); effect != EffectTeardown {
		t.Fatalf("effect = %v", effect)
	}
	select {
	case <-h.o.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	if h.o.Reason() != ReasonStreamEnded {
		t.Fatalf("reason = %v", h.o.Reason())
	}
	if !tr.closed() || h.sig.closeCount() != 1 || mic.stopCount() != 1 {
		t.Fatalf("closed=%v signaling=%d mic=%d", tr.closed(), h.sig.closeCount(), mic.stopCount())
	}
	if h.o.InStream() {
		t.Fatal("InStream after teardown")
	}

	// Everything after teardown is a no-op.
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeStreamerLeft})
	h.o.Disconnected()
	h.o.Leave()
	if n := h.events.count(EventStreamEnded); n != 1 {
		t.Fatalf("stream ended events = %d", n)
	}
	if h.sig.closeCount() != 1 {
		t.Fatalf("signaling closed %d times", h.sig.closeCount())
	}
	if effect := h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1")); effect != EffectIgnored {
		t.Fatalf("offer after teardown: %v", effect)
	}
}

func TestDisconnectedReasons(t *testing.T) {
	v := newHarness(t, RoleViewer, nil)
	v.o.Disconnected()
	if v.o.Reason() != ReasonStreamEnded {
		t.Fatalf("viewer reason = %v", v.o.Reason())
	}

	s := newHarness(t, RoleStreamer, nil)
	s.o.Disconnected()
	if s.o.Reason() != ReasonSignalingLost {
		t.Fatalf("streamer reason = %v", s.o.Reason())
	}
	if s.events.count(EventConnectionLost) != 1 {
		t.Fatal("streamer not told the relay was lost")
	}
}

func TestLeaveIsSilent(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)
	before := h.events.total()

	h.o.Leave()
	if h.events.total() != before {
		t.Fatal("leave produced a notification")
	}
	if !h.trans.get(0).closed() {
		t.Fatal("transport left open")
	}
	if len(h.o.Sessions()) != 0 {
		t.Fatal("sessions left after leave")
	}
}

func TestLeaveWaitsForTeardownInProgress(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	h := newHarness(t, RoleStreamer, func(o *Options) { o.Media = src })

	go h.o.Leave()
	waitFor(t, "media stop", func() bool { return src.stopCount() == 1 })

	returned := make(chan struct{})
	go func() {
		h.o.Leave()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("Leave returned while teardown was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Leave did not return after teardown finished")
	}
	if src.stopCount() != 1 {
		t.Fatalf("media stopped %d times", src.stopCount())
	}
}

func TestTransportFailureClosesOnlyThatViewer(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	for _, id := range []string{"v1", "v2"} {
		h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: id})
		h.waitState(t, id, StateOfferSent)
	}

	h.trans.get(0).setState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "v1 closed", func() bool {
		_, ok := h.o.Session("v1")
		return !ok
	})

	if h.state(t, "v2") != StateOfferSent {
		t.Fatalf("v2 state = %v", h.state(t, "v2"))
	}
	if h.o.lifecycle.TornDown() {
		t.Fatal("streamer torn down")
	}
	if h.events.count(EventConnectionLost) != 1 {
		t.Fatalf("connection lost events = %d", h.events.count(EventConnectionLost))
	}
}

func TestViewerTransportFailureTearsDown(t *testing.T) {
	h := newHarness(t, RoleViewer, nil)
	h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1"))
	waitFor(t, "answer sent", func() bool { return len(h.sig.ofType(signaling.TypeAnswer)) == 1 })

	h.trans.get(0).setState(webrtc.PeerConnectionStateFailed)
	select {
	case <-h.o.Done():
	case <-time.After(time.Second):
		t.Fatal("not torn down")
	}
	if h.o.Reason() != ReasonConnectionLost {
		t.Fatalf("reason = %v", h.o.Reason())
	}
}

func TestConnectedTransition(t *testing.T) {
	h := newHarness(t, RoleStreamer, nil)
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)
	tr := h.trans.get(0)

	// Connected before the answer is not a valid transition.
	tr.setState(webrtc.PeerConnectionStateConnected)
	if h.state(t, "v1") != StateOfferSent {
		t.Fatalf("state = %v", h.state(t, "v1"))
	}

	h.o.Dispatch(descEnv(t, signaling.TypeAnswer, "v1", ""))
	h.waitState(t, "v1", StateAnswered)
	tr.setState(webrtc.PeerConnectionStateConnected)

	if h.state(t, "v1") != StateConnected {
		t.Fatalf("state = %v", h.state(t, "v1"))
	}
	if h.events.count(EventConnected) != 1 {
		t.Fatalf("connected events = %d", h.events.count(EventConnected))
	}
	if h.o.Sessions()[0].ConnectedAt.IsZero() {
		t.Fatal("ConnectedAt not set")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, RoleStreamer, func(o *Options) { o.NegotiationTimeout = 30 * time.Millisecond })
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})

	waitFor(t, "session expired", func() bool {
		_, ok := h.o.Session("v1")
		return !ok
	})
	if !h.trans.get(0).closed() {
		t.Fatal("transport of expired session left open")
	}
}

func TestInboundAudioRecorded(t *testing.T) {
	rec := &sinkRecorder{}
	h := newHarness(t, RoleStreamer, func(o *Options) { o.Sinks = rec.factory })
	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerJoined, ViewerID: "v1"})
	h.waitState(t, "v1", StateOfferSent)
	tr := h.trans.get(0)

	video := newFakeTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
	tr.emitTrack(video)
	if rec.count() != 0 {
		t.Fatal("streamer accepted a video track from a viewer")
	}

	audio := newFakeTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	tr.emitTrack(audio)
	if rec.count() != 1 {
		t.Fatalf("sinks = %d", rec.count())
	}
	audio.packets <- &rtp.Packet{}
	audio.packets <- &rtp.Packet{}
	sink := rec.get(0)
	waitFor(t, "packets written", func() bool {
		n, _ := sink.snapshot()
		return n == 2
	})

	h.o.Dispatch(&signaling.Envelope{Type: signaling.TypeViewerLeft, ViewerID: "v1"})
	if _, closed := sink.snapshot(); !closed {
		t.Fatal("sink not released with its session")
	}
	close(audio.packets)
}

func TestViewerPlaysScreenAndAudio(t *testing.T) {
	rec := &sinkRecorder{}
	h := newHarness(t, RoleViewer, func(o *Options) { o.Sinks = rec.factory })
	h.o.Dispatch(descEnv(t, signaling.TypeOffer, "", "v1"))
	waitFor(t, "answer sent", func() bool { return len(h.sig.ofType(signaling.TypeAnswer)) == 1 })
	tr := h.trans.get(0)

	tr.emitTrack(newFakeTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8))
	tr.emitTrack(newFakeTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus))
	if rec.count() != 2 {
		t.Fatalf("sinks = %d", rec.count())
	}

	h.o.Leave()
	for i := 0; i < 2; i++ {
		if _, closed := rec.get(i).snapshot(); !closed {
			t.Fatalf("sink %d not released", i)
		}
	}
}
