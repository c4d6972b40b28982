package rudp

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opd-ai/rudp/transport"
)

// acceptQueueSize bounds connections waiting in Accept when no
// OnNewConnection handler is installed.
const acceptQueueSize = 16

// NewConnectionHandler receives an accepted connection together with the
// payload of the hello that opened it.
type NewConnectionHandler func(conn *Connection, hello []byte)

// Accepted is an inbound connection returned by Accept.
type Accepted struct {
	Conn  *Connection
	Hello []byte
}

// Listener accepts rudp connections on one shared transport and routes
// datagrams to them by remote address.
type Listener struct {
	tr      transport.Transport
	opts    *Options
	log     *logrus.Entry
	limiter *rate.Limiter

	mu      sync.Mutex
	conns   map[string]*Connection
	closed  bool
	onNew   NewConnectionHandler
	acceptq chan Accepted
	done    chan struct{}
}

// Listen opens a UDP socket on address and starts accepting connections.
func Listen(address string, opts *Options) (*Listener, error) {
	o := opts.withDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	tr, err := transport.NewUDPTransportWithBuffer(address, o.ReadBufferSize)
	if err != nil {
		return nil, newOpError("listen", address, err)
	}
	return newListener(tr, o), nil
}

// NewListener accepts connections on an existing transport. The listener
// owns tr and installs its own handler on it.
func NewListener(tr transport.Transport, opts *Options) *Listener {
	return newListener(tr, opts.withDefaults())
}

func newListener(tr transport.Transport, opts *Options) *Listener {
	l := &Listener{
		tr:      tr,
		opts:    opts,
		conns:   make(map[string]*Connection),
		acceptq: make(chan Accepted, acceptQueueSize),
		done:    make(chan struct{}),
		log: opts.Logger.WithFields(logrus.Fields{
			"component":  "Listener",
			"local_addr": tr.LocalAddr().String(),
		}),
	}
	if opts.AcceptRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), opts.AcceptBurst)
	}
	tr.SetHandler(l.handleDatagram)

	l.log.WithField("function", "Listen").Info("Listening")
	return l
}

// Addr returns the local address.
func (l *Listener) Addr() net.Addr { return l.tr.LocalAddr() }

// OnNewConnection installs a handler for accepted connections. While a
// handler is installed, Accept receives nothing.
func (l *Listener) OnNewConnection(handler NewConnectionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNew = handler
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Connection, []byte, error) {
	select {
	case a := <-l.acceptq:
		return a.Conn, a.Hello, nil
	case <-l.done:
		return nil, nil, newOpError("accept", l.Addr().String(), ErrListenerClosed)
	case <-ctx.Done():
		return nil, nil, newOpError("accept", l.Addr().String(), ctx.Err())
	}
}

// Len returns the number of live connections.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// handleDatagram routes one datagram. Unknown peers are admitted only with
// a hello, subject to the accept rate.
func (l *Listener) handleDatagram(data []byte, addr net.Addr) {
	key := addr.String()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	conn, ok := l.conns[key]
	if !ok {
		if len(data) == 0 || transport.PacketType(data[0]) != transport.PacketHello {
			l.mu.Unlock()
			l.log.WithFields(logrus.Fields{
				"function": "Listener.handleDatagram",
				"remote":   key,
				"size":     len(data),
			}).Debug("Dropping datagram from unknown peer")
			return
		}
		if l.limiter != nil && !l.limiter.Allow() {
			l.mu.Unlock()
			l.log.WithFields(logrus.Fields{
				"function": "Listener.handleDatagram",
				"remote":   key,
			}).Warn("Accept rate exceeded, dropping hello")
			return
		}
		conn = l.admitLocked(key, addr)
	}
	l.mu.Unlock()

	conn.HandleDatagram(data)
}

// admitLocked creates a connected connection for addr. The hello itself is
// processed by the caller, which fires the accept notification once.
func (l *Listener) admitLocked(key string, addr net.Addr) *Connection {
	var conn *Connection
	conn = newConnection(l.tr, addr, l.opts, func() error {
		l.remove(key, conn)
		return nil
	})
	conn.onHello = func(hello []byte) {
		l.accepted(conn, hello)
	}
	conn.state.Store(int32(Connected))
	close(conn.connected)
	l.opts.Metrics.ConnectionOpened()
	conn.startKeepAlive()
	l.conns[key] = conn

	l.log.WithFields(logrus.Fields{
		"function": "Listener.admit",
		"remote":   key,
		"conn_id":  conn.ID(),
	}).Info("Accepted connection")
	return conn
}

func (l *Listener) accepted(conn *Connection, hello []byte) {
	l.mu.Lock()
	handler := l.onNew
	l.mu.Unlock()

	if handler != nil {
		handler(conn, hello)
		return
	}
	select {
	case l.acceptq <- Accepted{Conn: conn, Hello: hello}:
	default:
		l.log.WithFields(logrus.Fields{
			"function": "Listener.accepted",
			"conn_id":  conn.ID(),
		}).Warn("Accept queue full, dropping connection")
		_ = conn.Disconnect(nil)
	}
}

func (l *Listener) remove(key string, conn *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.conns[key]; ok && cur == conn {
		delete(l.conns, key)
	}
}

// Close disconnects every connection and closes the transport.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = make(map[string]*Connection)
	close(l.done)
	l.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(c.Close)
	}
	err := multierr.Append(g.Wait(), l.tr.Close())

	l.log.WithFields(logrus.Fields{
		"function":    "Listener.Close",
		"connections": len(conns),
	}).Info("Listener closed")
	return err
}
