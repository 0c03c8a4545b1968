package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a correlated request's deadline elapses
	// before its reply arrives.
	ErrTimeout = errors.New("timed out awaiting reply")

	// ErrClosed is returned by Send and Request once the connection has been
	// torn down.
	ErrClosed = errors.New("connection closed")
)

// TransportError is delivered to every still-pending correlation when the
// underlying connection fails or is closed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport closed"
	}
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// JoinError reports a failed channel join. Rejections carry the server's
// reply payload in Reason; timeouts wrap ErrTimeout.
type JoinError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("join %s rejected: %s", e.Topic, e.Reason)
	}
	return fmt.Sprintf("join %s: %v", e.Topic, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
