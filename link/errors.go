package link

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("link config is nil")

	// ErrLinkDown is returned by Submit while the device link is not open.
	ErrLinkDown = errors.New("device link is down")

	// ErrLinkStalled is the transport failure raised when the outbound queue stays full
	// longer than the submit grace period.
	ErrLinkStalled = errors.New("device link stalled: outbound queue full")

	// ErrTaskStopped fails a connection whose reader or writer exited while the transport was
	// still up, e.g. after a recovered panic.
	ErrTaskStopped = errors.New("link task stopped")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("link session closed")

	// ErrReconnectGaveUp terminates the session when the transport could not be reopened
	// within the reconnect timeout.
	ErrReconnectGaveUp = errors.New("device link reconnect gave up")

	// ErrRateUnsupported is returned by SetBaudRate when the open transport has no line rate.
	ErrRateUnsupported = errors.New("transport does not support rate changes")

	// ErrNoOpener is returned when neither a URL nor an Opener was configured.
	ErrNoOpener = errors.New("no transport opener configured")
)

// TransportError is a failure of the physical transport. It ends the current connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
