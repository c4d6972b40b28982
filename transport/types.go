package transport

import (
	"net"
)

// DatagramHandler processes a raw incoming datagram. The transport calls it
// from its single read goroutine, so at most one call is in flight per
// transport. Handlers must copy data if they keep it.
type DatagramHandler func(data []byte, addr net.Addr)

// Transport defines the datagram primitive used by rudp connections.
// This abstraction allows the connection code to be driven by an in-memory
// fake in tests and by UDPTransport in production.
type Transport interface {
	// SendTo transmits one datagram to the specified address.
	SendTo(data []byte, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// SetHandler installs the function receiving incoming datagrams.
	SetHandler(handler DatagramHandler)
}
