package peer

import "fmt"

// State is the negotiation state of one PeerSession.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// next lists the forward transitions. Closed is reachable from anywhere.
var next = map[State][]State{
	StateIdle:          {StateOfferSent, StateOfferReceived},
	StateOfferSent:     {StateAnswered},
	StateOfferReceived: {StateAnswered},
	StateAnswered:      {StateConnected},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is the side of the stream this client plays.
type Role int

const (
	RoleStreamer Role = iota
	RoleViewer
)

func (r Role) String() string {
	if r == RoleStreamer {
		return "streamer"
	}
	return "viewer"
}

// StreamerSessionID keys the single session a viewer holds.
const StreamerSessionID = "streamer"
