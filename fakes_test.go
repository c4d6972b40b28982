package rudp

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rudp/transport"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type sentDatagram struct {
	data []byte
	addr net.Addr
}

// recordingTransport records outgoing datagrams and never delivers anything.
type recordingTransport struct {
	local memAddr

	mu      sync.Mutex
	sent    []sentDatagram
	sendErr error
	closed  bool
	handler transport.DatagramHandler
}

func newRecordingTransport(local string) *recordingTransport {
	return &recordingTransport{local: memAddr(local)}
}

func (r *recordingTransport) SendTo(data []byte, addr net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrTransportClosed
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentDatagram{data: append([]byte(nil), data...), addr: addr})
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) LocalAddr() net.Addr { return r.local }

func (r *recordingTransport) SetHandler(h transport.DatagramHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *recordingTransport) failSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *recordingTransport) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recordingTransport) datagrams() []sentDatagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentDatagram(nil), r.sent...)
}

func (r *recordingTransport) count(packetType transport.PacketType) int {
	n := 0
	for _, d := range r.datagrams() {
		if len(d.data) > 0 && transport.PacketType(d.data[0]) == packetType {
			n++
		}
	}
	return n
}

// memTransport is one end of an in-memory datagram pipe. Delivery happens on
// a per-transport goroutine, like a socket read loop.
type memTransport struct {
	local memAddr
	peer  *memTransport
	inbox chan sentDatagram
	done  chan struct{}

	mu      sync.Mutex
	handler transport.DatagramHandler
	drop    func(data []byte) bool
	closed  bool
}

func newMemPipe(t *testing.T) (*memTransport, *memTransport) {
	t.Helper()
	a := &memTransport{local: "client", inbox: make(chan sentDatagram, 1024), done: make(chan struct{})}
	b := &memTransport{local: "server", inbox: make(chan sentDatagram, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.loop()
	go b.loop()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func (m *memTransport) loop() {
	for {
		select {
		case <-m.done:
			return
		case d := <-m.inbox:
			m.mu.Lock()
			h := m.handler
			m.mu.Unlock()
			if h != nil {
				h(d.data, d.addr)
			}
		}
	}
}

func (m *memTransport) SendTo(data []byte, _ net.Addr) error {
	m.mu.Lock()
	closed, drop := m.closed, m.drop
	m.mu.Unlock()
	if closed {
		return transport.ErrTransportClosed
	}
	if drop != nil && drop(data) {
		return nil
	}
	select {
	case m.peer.inbox <- sentDatagram{data: append([]byte(nil), data...), addr: m.local}:
	default:
		return errors.New("inbox full")
	}
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *memTransport) LocalAddr() net.Addr { return m.local }

func (m *memTransport) SetHandler(h transport.DatagramHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *memTransport) setDrop(drop func(data []byte) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = drop
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	return opts
}

func mockOptions() (*Options, *clock.Mock) {
	mock := clock.NewMock()
	opts := testOptions()
	opts.Clock = mock
	return opts, mock
}

// connectedPair connects a client over an in-memory pipe to a listener and
// returns both ends.
func connectedPair(t *testing.T, opts *Options) (client, server *Connection, ln *Listener, a, b *memTransport) {
	t.Helper()
	a, b = newMemPipe(t)

	ln = NewListener(b, opts)
	accepted := make(chan *Connection, 1)
	ln.OnNewConnection(func(conn *Connection, _ []byte) {
		accepted <- conn
	})

	client = NewConnection(a, b.LocalAddr(), opts)
	a.SetHandler(func(data []byte, _ net.Addr) { client.HandleDatagram(data) })

	require.NoError(t, client.Connect(testContext(t), []byte("hello")))
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	return client, server, ln, a, b
}

// connectRecorded runs Connect against a recording transport and acks the
// hello by hand.
func connectRecorded(t *testing.T, opts *Options) (*Connection, *recordingTransport) {
	t.Helper()
	rt := newRecordingTransport("local")
	conn := NewConnection(rt, memAddr("peer"), opts)

	errc := make(chan error, 1)
	go func() { errc <- conn.Connect(testContext(t), nil) }()

	require.Eventually(t, func() bool { return rt.count(transport.PacketHello) == 1 },
		time.Second, time.Millisecond)
	conn.HandleDatagram([]byte{byte(transport.PacketAcknowledgement), 0, 1})
	require.NoError(t, <-errc)
	require.Equal(t, Connected, conn.State())
	return conn, rt
}
