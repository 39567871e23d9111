package peer

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrSessionClosed      = errors.New("session closed")
	ErrChannelNotOpen     = errors.New("channel not open")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrWrongRole          = errors.New("operation not valid for this role")
)

// Error records the operation and peer that failed.
type Error struct {
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}
