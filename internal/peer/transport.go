package peer

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/peerstream/internal/config"
)

// Channel is the part of a data channel the chat uses.
// *webrtc.DataChannel satisfies it.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// Transport is one peer connection.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	// AddRecvonlyAudio lets the remote side send audio when no local audio
	// track exists.
	AddRecvonlyAudio() error
	CreateChatChannel(label string) (Channel, error)

	// CreateOffer and CreateAnswer also apply the result as the local
	// description.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(RemoteTrack))
	OnDataChannel(f func(Channel))

	Close() error
}

// TransportFactory creates a fresh transport per session.
type TransportFactory func() (Transport, error)

// NewPeerConnection builds a pion peer connection from the ICE settings in cfg.
func NewPeerConnection(cfg *config.Config) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:         cfg.ICEServers(),
		ICETransportPolicy: cfg.ICETransportPolicy(),
	})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return pc, nil
}

// PionTransports returns a TransportFactory backed by pion.
func PionTransports(cfg *config.Config) TransportFactory {
	return func() (Transport, error) {
		pc, err := NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc}, nil
	}
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return NewError("add track", err)
	}

	// Read and discard RTCP packets
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) AddRecvonlyAudio() error {
	_, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return NewError("add audio transceiver", err)
	}
	return nil
}

func (t *pionTransport) CreateChatChannel(label string) (Channel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, NewError("create data channel", err)
	}
	return dc, nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create offer", err)
	}
	if err = t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, NewError("set local description", err)
	}
	return *t.pc.LocalDescription(), nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create answer", err)
	}
	if err = t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, NewError("set local description", err)
	}
	return *t.pc.LocalDescription(), nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return NewError("set remote description", err)
	}
	return nil
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return NewError("add ICE candidate", err)
	}
	return nil
}

func (t *pionTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (t *pionTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pionTransport) OnTrack(f func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(remoteTrack{track})
	})
}

func (t *pionTransport) OnDataChannel(f func(Channel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

type remoteTrack struct {
	*webrtc.TrackRemote
}

func (r remoteTrack) MimeType() string {
	return r.Codec().MimeType
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.TrackRemote.ReadRTP()
	return pkt, err
}
