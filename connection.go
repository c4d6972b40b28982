package rudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/rudp/limits"
	"github.com/opd-ai/rudp/metrics"
	"github.com/opd-ai/rudp/reliable"
	"github.com/opd-ai/rudp/transport"
)

// DataHandler receives application payloads. It runs on the transport's
// receive goroutine; slow handlers delay every later datagram.
type DataHandler func(payload []byte, reliability Reliability)

// DisconnectHandler receives the reason a connected connection went away.
type DisconnectHandler func(reason error)

// Stats is a snapshot of per-connection counters.
type Stats struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	ReliableSent      uint64
	Retransmissions   uint64
	AcksSent          uint64
	AcksReceived      uint64
	Duplicates        uint64
	MalformedDropped  uint64
	InFlight          int
}

// Connection is one reliable-messaging session with a remote peer.
//
// The lifecycle is NotConnected → Connecting → Connected → Disconnecting →
// NotConnected. A Connection is single use: once torn down it cannot be
// connected again.
type Connection struct {
	id      string
	remote  net.Addr
	tr      transport.Transport
	opts    *Options
	log     *logrus.Entry
	metrics *metrics.Collector
	engine  *reliable.Engine
	release func() error

	state    atomic.Int32
	disposed atomic.Bool

	handlerMu      sync.RWMutex
	onData         DataHandler
	onDisconnected DisconnectHandler
	onHello        func(payload []byte)

	connected chan struct{}
	done      chan struct{}
	reason    error // written before done is closed

	kaMu      sync.Mutex
	keepAlive *clock.Timer
	kaStopped bool

	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	malformed         atomic.Uint64
}

// NewConnection creates a connection to remote over tr. The connection owns
// tr and closes it on teardown. The caller must route datagrams from remote
// to HandleDatagram, for example with tr.SetHandler.
func NewConnection(tr transport.Transport, remote net.Addr, opts *Options) *Connection {
	return newConnection(tr, remote, opts.withDefaults(), tr.Close)
}

func newConnection(tr transport.Transport, remote net.Addr, opts *Options, release func() error) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:      id,
		remote:  remote,
		tr:      tr,
		opts:    opts,
		metrics: opts.Metrics,
		release: release,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "Connection",
			"conn_id":   id,
			"remote":    remote.String(),
		}),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.engine = reliable.NewEngine(reliable.Config{
		ResendTimeout:           opts.ResendTimeout,
		ResendsBeforeDisconnect: opts.ResendsBeforeDisconnect,
		Clock:                   opts.Clock,
		Metrics:                 opts.Metrics,
		Logger:                  c.log,
	}, c.output, c.handleEngineFailure)
	return c
}

// ID returns a unique identifier used in logs.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// LocalAddr returns the local transport address.
func (c *Connection) LocalAddr() net.Addr { return c.tr.LocalAddr() }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// DisconnectReason returns why the connection was torn down, or nil while it
// is still alive.
func (c *Connection) DisconnectReason() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// OnDataReceived sets the handler for incoming payloads.
func (c *Connection) OnDataReceived(handler DataHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onData = handler
}

// OnDisconnected sets the handler called once when a connected connection is
// torn down, whatever detected the failure first.
func (c *Connection) OnDisconnected(handler DisconnectHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnected = handler
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	es := c.engine.Stats()
	return Stats{
		DatagramsSent:     c.datagramsSent.Load(),
		DatagramsReceived: c.datagramsReceived.Load(),
		ReliableSent:      es.ReliableSent,
		Retransmissions:   es.Retransmissions,
		AcksSent:          es.AcksSent,
		AcksReceived:      es.AcksReceived,
		Duplicates:        es.Duplicates,
		MalformedDropped:  c.malformed.Load(),
		InFlight:          es.InFlight,
	}
}

// Connect sends a reliable hello carrying payload and blocks until the peer
// acknowledges it. It fails with ErrInvalidOperation unless the connection
// is NotConnected and unused. On failure the state returns to NotConnected
// and the connection cannot be used again.
//
// The wait ends when the hello is acknowledged, when its resend budget runs
// out, when ctx is done, or when another goroutine disconnects.
func (c *Connection) Connect(ctx context.Context, hello []byte) error {
	addr := c.remote.String()
	if err := limits.ValidatePayload(hello, true, c.opts.MaxPayloadSize); err != nil {
		return newOpError("connect", addr, err)
	}
	if !c.state.CompareAndSwap(int32(NotConnected), int32(Connecting)) {
		return newOpError("connect", addr, fmt.Errorf("%w: state is %s", ErrInvalidOperation, c.State()))
	}
	if c.disposed.Load() {
		c.state.Store(int32(NotConnected))
		return newOpError("connect", addr, fmt.Errorf("%w: connection already closed", ErrInvalidOperation))
	}
	c.metrics.ConnectionOpened()

	c.log.WithFields(logrus.Fields{
		"function":   "Connection.Connect",
		"hello_size": len(hello),
	}).Debug("Sending hello")

	if _, err := c.engine.Send(transport.PacketHello, hello, c.completeHandshake); err != nil {
		err = transportFailure(err)
		c.handleDisconnect(err)
		return newOpError("connect", addr, err)
	}

	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return newOpError("connect", addr, c.reason)
	case <-ctx.Done():
		if c.state.CompareAndSwap(int32(Connecting), int32(Disconnecting)) {
			_ = c.finishDisconnect(Connecting, ctx.Err(), true, nil)
			return newOpError("connect", addr, ctx.Err())
		}
		// Lost the race to the ack or to another disconnect.
		select {
		case <-c.connected:
			return nil
		case <-c.done:
			return newOpError("connect", addr, c.reason)
		}
	}
}

// completeHandshake runs when the hello is acknowledged.
func (c *Connection) completeHandshake() {
	if !c.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		return
	}
	c.startKeepAlive()
	close(c.connected)

	c.log.WithField("function", "Connection.completeHandshake").Info("Connected")
}

// Send transmits payload to the peer. It is permitted while Connecting or
// Connected; otherwise it fails with ErrInvalidOperation. A transport error
// is returned to the caller and also tears the connection down.
func (c *Connection) Send(payload []byte, reliability Reliability) error {
	addr := c.remote.String()
	if s := c.State(); !s.canSend() {
		return newOpError("send", addr, fmt.Errorf("%w: state is %s", ErrInvalidOperation, s))
	}
	if err := limits.ValidatePayload(payload, reliability == Reliable, c.opts.MaxPayloadSize); err != nil {
		return newOpError("send", addr, err)
	}

	var err error
	if reliability == Reliable {
		_, err = c.engine.Send(transport.PacketReliable, payload, nil)
		switch {
		case errors.Is(err, reliable.ErrEngineClosed):
			// Torn down between the state check and the send.
			return newOpError("send", addr, fmt.Errorf("%w: %w", ErrInvalidOperation, err))
		case errors.Is(err, reliable.ErrNoFreeID):
			return newOpError("send", addr, err)
		}
	} else {
		datagram := make([]byte, transport.TypeHeaderSize+len(payload))
		datagram[0] = byte(transport.PacketUnreliable)
		copy(datagram[transport.TypeHeaderSize:], payload)
		err = c.sendRaw(datagram)
	}

	if err != nil {
		if s := c.State(); !s.canSend() {
			return newOpError("send", addr, fmt.Errorf("%w: state is %s", ErrInvalidOperation, s))
		}
		err = transportFailure(err)
		c.handleDisconnect(err)
		return newOpError("send", addr, err)
	}
	return nil
}

// output is the engine's transmit primitive.
func (c *Connection) output(datagram []byte) error {
	if err := c.tr.SendTo(datagram, c.remote); err != nil {
		return err
	}
	c.datagramsSent.Add(1)
	return nil
}

// sendRaw transmits a datagram that bypasses the reliable engine.
func (c *Connection) sendRaw(datagram []byte) error {
	if err := c.output(datagram); err != nil {
		return err
	}
	c.metrics.DatagramSent()
	return nil
}

// HandleDatagram is the transport upcall for a datagram from the peer.
// Datagrams are ignored unless the connection is Connecting or Connected.
// Malformed datagrams are dropped.
func (c *Connection) HandleDatagram(data []byte) {
	c.datagramsReceived.Add(1)
	c.metrics.DatagramReceived()

	if !c.State().canSend() {
		return
	}

	packet, err := transport.ParsePacket(data)
	if err != nil {
		c.malformed.Add(1)
		c.metrics.MalformedDropped()
		c.log.WithFields(logrus.Fields{
			"function": "Connection.HandleDatagram",
			"size":     len(data),
			"error":    fmt.Errorf("%w: %w", ErrMalformedPacket, err).Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	switch packet.PacketType {
	case transport.PacketUnreliable:
		c.deliver(packet.Data, Unreliable)
	case transport.PacketReliable:
		if c.receiveReliable(packet.ID) {
			c.deliver(packet.Data, Reliable)
		}
	case transport.PacketHello:
		if c.receiveReliable(packet.ID) {
			c.handlerMu.RLock()
			onHello := c.onHello
			c.handlerMu.RUnlock()
			if onHello != nil {
				onHello(packet.Data)
			}
		}
	case transport.PacketPing:
		c.receiveReliable(packet.ID)
	case transport.PacketAcknowledgement:
		c.engine.HandleAck(packet.ID)
	case transport.PacketDisconnect:
		c.log.WithField("function", "Connection.HandleDatagram").Debug("Peer disconnected")
		c.handleDisconnect(ErrRemoteDisconnect)
	}
}

// HandleTransportClosed is the transport upcall for a dead socket.
func (c *Connection) HandleTransportClosed(reason error) {
	if reason == nil {
		reason = transport.ErrTransportClosed
	}
	c.handleDisconnect(transportFailure(reason))
}

// receiveReliable acks id and reports whether the packet is new.
func (c *Connection) receiveReliable(id uint16) bool {
	verdict, err := c.engine.Receive(id)
	if err != nil {
		c.handleDisconnect(transportFailure(err))
		return false
	}
	if !verdict.Accepted() {
		c.log.WithFields(logrus.Fields{
			"function": "Connection.receiveReliable",
			"id":       id,
		}).Debug("Dropping duplicate packet")
	}
	return verdict.Accepted()
}

func (c *Connection) deliver(payload []byte, reliability Reliability) {
	c.handlerMu.RLock()
	handler := c.onData
	c.handlerMu.RUnlock()

	if handler != nil {
		handler(payload, reliability)
	}
}

func (c *Connection) handleEngineFailure(err error) {
	if !errors.Is(err, reliable.ErrResendBudgetExceeded) {
		err = transportFailure(err)
	}
	c.handleDisconnect(err)
}

// Disconnect tears the connection down and sends a best-effort disconnect
// message carrying payload to the peer. Calls after the first are no-ops
// returning nil.
func (c *Connection) Disconnect(payload []byte) error {
	prev, ok := c.beginDisconnect()
	if !ok {
		return nil
	}
	return c.finishDisconnect(prev, ErrClosed, true, payload)
}

// Close disconnects the connection, or releases the transport of a
// connection that never connected.
func (c *Connection) Close() error {
	if prev, ok := c.beginDisconnect(); ok {
		return c.finishDisconnect(prev, ErrClosed, true, nil)
	}
	if c.state.CompareAndSwap(int32(NotConnected), int32(Disconnecting)) {
		return c.finishDisconnect(NotConnected, ErrClosed, false, nil)
	}
	return nil
}

// handleDisconnect is the single funnel for failures detected anywhere.
// Only the first caller tears down; the rest return immediately.
func (c *Connection) handleDisconnect(reason error) {
	if prev, ok := c.beginDisconnect(); ok {
		_ = c.finishDisconnect(prev, reason, false, nil)
	}
}

// beginDisconnect claims the transition out of Connecting or Connected.
// Exactly one caller gets ok == true.
func (c *Connection) beginDisconnect() (ConnectionState, bool) {
	for {
		s := c.State()
		if s != Connecting && s != Connected {
			return s, false
		}
		if c.state.CompareAndSwap(int32(s), int32(Disconnecting)) {
			return s, true
		}
	}
}

// finishDisconnect runs in the goroutine that won beginDisconnect, outside
// every lock, so handlers may call back into the connection.
func (c *Connection) finishDisconnect(prev ConnectionState, reason error, notifyPeer bool, payload []byte) error {
	if c.disposed.Swap(true) {
		c.state.Store(int32(NotConnected))
		return nil
	}

	var errs error
	if notifyPeer && prev != NotConnected {
		notice, _ := (&transport.Packet{PacketType: transport.PacketDisconnect, Data: payload}).Serialize()
		errs = multierr.Append(errs, c.sendRaw(notice))
	}

	c.stopKeepAlive()
	dropped := c.engine.Close()
	errs = multierr.Append(errs, c.release())

	c.reason = reason
	c.state.Store(int32(NotConnected))
	close(c.done)

	entry := c.log.WithFields(logrus.Fields{
		"function":       "Connection.finishDisconnect",
		"previous_state": prev.String(),
		"reason":         fmt.Sprint(reason),
		"dropped":        dropped,
	})
	if prev == NotConnected {
		entry.Debug("Released unused connection")
		return errs
	}

	c.metrics.ConnectionClosed(reasonLabel(reason))
	if errors.Is(reason, ErrClosed) || errors.Is(reason, ErrRemoteDisconnect) {
		entry.Info("Disconnected")
	} else {
		entry.Warn("Disconnected")
	}

	if prev == Connected {
		c.handlerMu.RLock()
		handler := c.onDisconnected
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(reason)
		}
	}
	return errs
}

func (c *Connection) startKeepAlive() {
	interval := c.opts.KeepAliveInterval
	if interval <= 0 {
		return
	}
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaStopped {
		return
	}
	c.keepAlive = c.opts.Clock.AfterFunc(interval, c.keepAliveTick)
}

func (c *Connection) keepAliveTick() {
	if c.State() != Connected {
		return
	}
	if _, err := c.engine.Send(transport.PacketPing, nil, nil); err != nil {
		if !errors.Is(err, reliable.ErrEngineClosed) {
			c.handleDisconnect(transportFailure(err))
		}
		return
	}
	c.startKeepAlive()
}

func (c *Connection) stopKeepAlive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.kaStopped = true
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrClosed):
		return metrics.ReasonLocal
	case errors.Is(reason, ErrRemoteDisconnect):
		return metrics.ReasonRemote
	case errors.Is(reason, ErrResendBudgetExceeded):
		return metrics.ReasonResendExhausted
	case errors.Is(reason, context.Canceled), errors.Is(reason, context.DeadlineExceeded):
		return metrics.ReasonCancelled
	default:
		return metrics.ReasonTransport
	}
}
