// Package transport implements the datagram layer underneath rudp connections.
//
// # Architecture
//
// The transport layer abstracts UDP I/O for the connection and listener code
// in the root package. It uses net.Addr and net.PacketConn throughout, so
// any packet-oriented network can sit underneath.
//
// The core abstraction is the Transport interface:
//
//	type Transport interface {
//	    SendTo(data []byte, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    SetHandler(handler DatagramHandler)
//	}
//
// UDPTransport runs one read goroutine per socket and calls the handler
// inline, so datagrams reaching a handler are serialized.
//
// # Wire Format
//
// Every datagram starts with a one byte type tag:
//
//	Unreliable      0   [tag][payload]
//	Reliable        1   [tag][id hi][id lo][payload]
//	Hello           8   [tag][id hi][id lo][payload]
//	Disconnect      9   [tag][payload]
//	Acknowledgement 10  [tag][id hi][id lo]
//	Ping            12  [tag][id hi][id lo]
//
// ParsePacket validates the header length before reading the id, so short
// datagrams produce ErrPacketTooShort instead of a panic.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    PacketType: transport.PacketReliable,
//	    ID:         7,
//	    Data:       []byte("hello"),
//	}
//
//	data, _ := packet.Serialize()
//	err = tr.SendTo(data, remoteAddr)
package transport
