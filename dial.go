package rudp

import (
	"context"
	"net"

	"github.com/opd-ai/rudp/transport"
)

// Dial opens a UDP socket, connects to address with the given hello payload
// and returns the connected connection. The socket belongs to the connection
// and is closed when it disconnects. Datagrams from any other address are
// ignored.
func Dial(ctx context.Context, address string, opts *Options, hello []byte) (*Connection, error) {
	o := opts.withDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, newOpError("dial", address, err)
	}

	tr, err := transport.NewUDPTransportWithBuffer(":0", o.ReadBufferSize)
	if err != nil {
		return nil, newOpError("dial", address, err)
	}

	conn := newConnection(tr, raddr, o, tr.Close)
	tr.SetHandler(func(data []byte, addr net.Addr) {
		if sameAddr(addr, raddr) {
			conn.HandleDatagram(data)
		}
	})

	if err := conn.Connect(ctx, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func sameAddr(a net.Addr, b *net.UDPAddr) bool {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.Port == b.Port && ua.IP.Equal(b.IP)
	}
	return a.String() == b.String()
}
