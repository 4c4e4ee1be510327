package proxy

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-tio/link"
	"github.com/arloliu/go-tio/tio"
)

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("proxy config is nil")

	// ErrProxyClosed is returned by operations on a closed proxy.
	ErrProxyClosed = errors.New("proxy closed")

	// ErrClientClosed is returned when a client session is already torn down.
	ErrClientClosed = errors.New("client session closed")

	// ErrUnknownClient is returned for client ids that are not registered.
	ErrUnknownClient = errors.New("unknown client")

	// ErrNotRPCRequest is returned by Issue for packets that are not RPC requests.
	ErrNotRPCRequest = errors.New("packet is not an rpc request")

	// ErrRateIncompatible ends a rate negotiation when the device cannot run near the target rate.
	ErrRateIncompatible = errors.New("device rate incompatible with target rate")
)

// ClientProtocolError is raised when a client sends bytes that do not decode into valid packets.
// It tears down that client session only.
type ClientProtocolError struct {
	ClientID ClientID
	Err      error
}

func (e *ClientProtocolError) Error() string {
	return fmt.Sprintf("client %d protocol error: %v", e.ClientID, e.Err)
}

func (e *ClientProtocolError) Unwrap() error {
	return e.Err
}

// linkError marks a submit failure of the device link as a lost link, so the issuing client sees
// the LinkLost error code.
func linkError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, link.ErrLinkDown) || errors.Is(err, link.ErrSessionClosed) || link.IsTransportError(err) {
		return fmt.Errorf("%w: %w", tio.ErrLinkLost, err)
	}

	return err
}
