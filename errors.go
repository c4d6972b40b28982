package rudp

import (
	"errors"
	"fmt"

	"github.com/opd-ai/rudp/reliable"
)

// Common errors for rudp connections
var (
	// ErrInvalidOperation indicates a call made in the wrong connection state.
	// The connection is unaffected.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrTransportFailure indicates the datagram primitive failed. It always
	// triggers disconnect handling.
	ErrTransportFailure = errors.New("transport failure")

	// ErrResendBudgetExceeded indicates a reliable packet exhausted its
	// retransmissions. It is handled like ErrTransportFailure.
	ErrResendBudgetExceeded = reliable.ErrResendBudgetExceeded

	// ErrMalformedPacket indicates a datagram whose header could not be
	// parsed. Such datagrams are dropped, never a reason to disconnect.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrRemoteDisconnect indicates the peer sent a disconnect message.
	ErrRemoteDisconnect = errors.New("disconnected by remote peer")

	// ErrClosed indicates the connection was closed locally.
	ErrClosed = errors.New("connection closed")

	// ErrListenerClosed indicates the listener has been closed
	ErrListenerClosed = errors.New("listener closed")
)

// OpError represents an error with additional context
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("rudp %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("rudp %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// newOpError creates a new OpError
func newOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// transportFailure marks err as a transport failure while keeping it
// reachable through errors.Is.
func transportFailure(err error) error {
	if errors.Is(err, ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}
