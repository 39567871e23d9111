package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the tag of a signaling envelope.
type Type string

// Envelope type constants.
const (
	TypeInitStreamer Type = "init_streamer"
	TypeInitViewer   Type = "init_viewer"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICE          Type = "ice"

	TypeViewerJoined Type = "viewer_joined"
	TypeViewerLeft   Type = "viewer_left"
	TypeStreamerLeft Type = "streamer_left"
)

// DefaultViewerName is used when a viewer registers without a name.
const DefaultViewerName = "Guest"

var (
	// ErrMalformed is returned for envelopes that cannot be parsed or lack a
	// field their type requires.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownType marks a well-formed envelope with a tag nobody handles.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is the one message shape carried over the signaling connection.
// Session descriptions and candidates stay raw so the relay can forward them
// without understanding them.
type Envelope struct {
	Type      Type            `json:"type"`
	Name      string          `json:"name,omitempty"`
	ViewerID  string          `json:"viewerId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
}

// Parse decodes a raw envelope. Unknown tags are reported with ErrUnknownType
// so callers can ignore them without treating them as malformed.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return &env, err
	}
	return &env, nil
}

// Validate checks that the envelope carries the fields its type requires.
// Routing fields (to, from) are checked by whoever routes.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeInitStreamer, TypeInitViewer, TypeStreamerLeft:
		return nil
	case TypeViewerJoined, TypeViewerLeft:
		if e.ViewerID == "" {
			return fmt.Errorf("%w: %s missing viewerId", ErrMalformed, e.Type)
		}
	case TypeOffer:
		if isEmpty(e.Offer) {
			return fmt.Errorf("%w: offer missing offer", ErrMalformed)
		}
	case TypeAnswer:
		if isEmpty(e.Answer) {
			return fmt.Errorf("%w: answer missing answer", ErrMalformed)
		}
	case TypeICE:
		if isEmpty(e.Candidate) {
			return fmt.Errorf("%w: ice missing candidate", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// NewOffer wraps a local offer addressed to a viewer.
func NewOffer(desc webrtc.SessionDescription, to string) (*Envelope, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeOffer, Offer: raw, To: to}, nil
}

// NewAnswer wraps a local answer for the streamer.
func NewAnswer(desc webrtc.SessionDescription) (*Envelope, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeAnswer, Answer: raw}, nil
}

// NewICE wraps a local candidate. to is empty on the viewer side.
func NewICE(candidate webrtc.ICECandidateInit, to string) (*Envelope, error) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeICE, Candidate: raw, To: to}, nil
}

// SessionDescription decodes the offer or answer carried by the envelope.
func (e *Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	raw := e.Offer
	want := webrtc.SDPTypeOffer
	if e.Type == TypeAnswer {
		raw = e.Answer
		want = webrtc.SDPTypeAnswer
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected %s description", ErrMalformed, want)
	}
	return desc, nil
}

// ICECandidate decodes the candidate carried by an ice envelope.
func (e *Envelope) ICECandidate() (webrtc.ICECandidateInit, error) {
	var ice webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Candidate, &ice); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ice, nil
}
