package peer

// EventKind classifies a system event shown to the user.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventConnected
	EventStreamEnded
	EventConnectionLost
	EventMediaUnavailable
	EventError
)

// Event is a system notification. Peer is the session id; Name its display
// name when known.
type Event struct {
	Kind EventKind
	Peer string
	Name string
	Text string
}

// Notifier receives system events. Implementations should return promptly.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
