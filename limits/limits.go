// Package limits provides centralized datagram size limits for rudp.
// This ensures consistent validation across connections and listeners.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4
	// (65535 - 8 byte UDP header - 20 byte IP header).
	MaxDatagramSize = 65507

	// UnreliableOverhead is the header size of unreliable datagrams (type tag).
	UnreliableOverhead = 1

	// ReliableOverhead is the header size of reliable datagrams
	// (type tag plus 16-bit packet id).
	ReliableOverhead = 3

	// MaxUnreliablePayload is the largest payload an unreliable datagram can carry.
	MaxUnreliablePayload = MaxDatagramSize - UnreliableOverhead

	// MaxReliablePayload is the largest payload a reliable datagram can carry.
	MaxReliablePayload = MaxDatagramSize - ReliableOverhead

	// SafePayloadSize keeps datagrams below a typical 1500 byte Ethernet MTU
	// so they are not fragmented at the IP layer.
	SafePayloadSize = 1200
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload validates a connection payload. Empty payloads are legal
// datagrams; only the upper bound is enforced. The bound is the smaller of
// maxSize and what the datagram header leaves room for.
func ValidatePayload(payload []byte, reliable bool, maxSize int) error {
	limit := MaxUnreliablePayload
	if reliable {
		limit = MaxReliablePayload
	}
	if maxSize > 0 && maxSize < limit {
		limit = maxSize
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), limit)
	}
	return nil
}
