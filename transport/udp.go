package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// udpReadTimeout bounds each ReadFrom so the read loop notices cancellation.
const udpReadTimeout = 100 * time.Millisecond

// DefaultReadBufferSize fits the largest possible UDP payload.
const DefaultReadBufferSize = 65536

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// UDPTransport implements UDP-based datagram communication.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handler    DatagramHandler
	bufferSize int
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
	done       chan struct{}
}

// NewUDPTransport creates a new UDP transport listener with the default
// read buffer size.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	return NewUDPTransportWithBuffer(listenAddr, DefaultReadBufferSize)
}

// NewUDPTransportWithBuffer creates a new UDP transport whose read loop uses
// a buffer of bufferSize bytes. Larger datagrams are truncated by the kernel
// and dropped by the parser.
func NewUDPTransportWithBuffer(listenAddr string, bufferSize int) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultReadBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		bufferSize: bufferSize,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": transport.listenAddr.String(),
		"buffer":     bufferSize,
	}).Debug("UDP transport listening")

	// Start packet processing loop
	go transport.processPackets()

	return transport, nil
}

// SetHandler installs the function receiving incoming datagrams.
func (t *UDPTransport) SetHandler(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// SendTo sends a datagram to the specified address.
func (t *UDPTransport) SendTo(data []byte, addr net.Addr) error {
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}

	_, err := t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport. It does not wait for the read loop, so it
// is safe to call from inside a handler.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Done is closed once the read loop has exited.
func (t *UDPTransport) Done() <-chan struct{} {
	return t.done
}

// processPackets handles incoming datagrams.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, t.bufferSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming datagram.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return // Error already handled in readPacketData
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler != nil {
		handler(data, addr)
	}
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	// Set read deadline for non-blocking reads with timeout
	_ = t.conn.SetReadDeadline(time.Now().Add(udpReadTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	return buffer[:n], addr, nil
}

// handleReadError processes different types of connection read errors.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// This is just a timeout, continue
		return err
	}
	if t.ctx.Err() != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "UDPTransport.readPacketData",
		"local_addr": t.listenAddr.String(),
		"error":      err.Error(),
	}).Debug("Error reading datagram")
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}
