package reliable

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rudp/metrics"
	"github.com/opd-ai/rudp/transport"
)

const (
	// DefaultResendTimeout is the delay before the first retransmission.
	DefaultResendTimeout = 200 * time.Millisecond
	// DefaultResendsBeforeDisconnect is the retransmission budget per packet.
	DefaultResendsBeforeDisconnect = 3
)

var (
	// ErrResendBudgetExceeded is reported when a packet was retransmitted
	// ResendsBeforeDisconnect times without being acknowledged.
	ErrResendBudgetExceeded = errors.New("resend budget exceeded")
	// ErrEngineClosed is returned by Send after Close.
	ErrEngineClosed = errors.New("reliable engine closed")
	// ErrNoFreeID is returned when all 65536 ids are in flight.
	ErrNoFreeID = errors.New("no free packet id")
	// ErrNotReliable is returned when Send is asked to track a packet type
	// that is never acknowledged.
	ErrNotReliable = errors.New("packet type is not reliable")
)

// Output transmits one datagram to the peer.
type Output func(datagram []byte) error

// FailureFunc receives failures detected on the engine's timer goroutine:
// an exhausted resend budget or a transport error while resending.
type FailureFunc func(err error)

// Config holds the engine parameters.
type Config struct {
	ResendTimeout           time.Duration
	ResendsBeforeDisconnect int
	Clock                   clock.Clock
	Metrics                 *metrics.Collector
	Logger                  *logrus.Entry
}

// pendingPacket is an unacknowledged reliable packet owned by the sent table.
type pendingPacket struct {
	datagram        []byte
	timeout         time.Duration
	retransmissions int
	acked           bool
	onAck           func()
	gen             uint64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	InFlight        int
	ReliableSent    uint64
	Retransmissions uint64
	AcksReceived    uint64
	AcksSent        uint64
	Duplicates      uint64
}

// Engine implements reliable delivery for one connection: packet id
// allocation, retransmission with exponential backoff, acknowledgement
// processing and duplicate/gap detection on receive.
//
// Resends are driven by a single timer armed for the earliest deadline in a
// min-heap, rather than one timer per packet.
type Engine struct {
	resendTimeout time.Duration
	resendBudget  int
	clock         clock.Clock
	metrics       *metrics.Collector
	log           *logrus.Entry
	output        Output
	onFailure     FailureFunc

	mu       sync.Mutex
	sent     map[uint16]*pendingPacket
	lastID   uint16
	gen      uint64
	queue    deadlineQueue
	timer    *clock.Timer
	armedFor time.Time
	closed   bool

	// fireMu is held for a whole resend pass so Close can wait for it.
	fireMu sync.Mutex

	window *receiveWindow

	reliableSent    atomic.Uint64
	retransmissions atomic.Uint64
	acksReceived    atomic.Uint64
	acksSent        atomic.Uint64
	duplicates      atomic.Uint64
}

// NewEngine creates an engine that transmits through output and reports
// asynchronous failures to onFailure. A zero ResendTimeout or a negative
// ResendsBeforeDisconnect takes the default.
func NewEngine(cfg Config, output Output, onFailure FailureFunc) *Engine {
	if cfg.ResendTimeout <= 0 {
		cfg.ResendTimeout = DefaultResendTimeout
	}
	if cfg.ResendsBeforeDisconnect < 0 {
		cfg.ResendsBeforeDisconnect = DefaultResendsBeforeDisconnect
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		resendTimeout: cfg.ResendTimeout,
		resendBudget:  cfg.ResendsBeforeDisconnect,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.WithField("component", "reliable.Engine"),
		output:        output,
		onFailure:     onFailure,
		sent:          make(map[uint16]*pendingPacket),
		window:        newReceiveWindow(),
	}
}

// Send assigns an id to payload, records it as pending, schedules its resend
// and transmits it. onAck, if non-nil, runs once when the peer acknowledges
// the packet. A transmit error is returned and the packet is dropped.
func (e *Engine) Send(packetType transport.PacketType, payload []byte, onAck func()) (uint16, error) {
	if !packetType.IsReliable() {
		return 0, fmt.Errorf("%w: %s", ErrNotReliable, packetType)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	id, err := e.allocateLocked()
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}

	datagram := transport.AppendHeader(make([]byte, 0, transport.IDHeaderSize+len(payload)), packetType, id, payload)
	e.gen++
	p := &pendingPacket{
		datagram: datagram,
		timeout:  e.resendTimeout,
		onAck:    onAck,
		gen:      e.gen,
	}
	e.sent[id] = p
	e.scheduleLocked(id, p, e.clock.Now().Add(p.timeout))
	e.mu.Unlock()

	e.reliableSent.Add(1)
	e.metrics.ReliableQueued()

	e.log.WithFields(logrus.Fields{
		"function": "Engine.Send",
		"id":       id,
		"type":     packetType.String(),
		"size":     len(payload),
	}).Debug("Sending reliable packet")

	if err := e.transmit(datagram); err != nil {
		if e.forget(id, p) {
			e.metrics.Released(1)
		}
		return id, err
	}
	return id, nil
}

// allocateLocked scans forward from the last allocated id, skipping ids
// still in flight. The scan wraps modulo 65536.
func (e *Engine) allocateLocked() (uint16, error) {
	if len(e.sent) > 0xffff {
		return 0, ErrNoFreeID
	}
	for {
		e.lastID++
		if _, used := e.sent[e.lastID]; !used {
			return e.lastID, nil
		}
	}
}

// forget removes p from the sent table if it is still the entry for id.
func (e *Engine) forget(id uint16, p *pendingPacket) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sent[id]; ok && cur == p {
		delete(e.sent, id)
		return true
	}
	return false
}

func (e *Engine) scheduleLocked(id uint16, p *pendingPacket, deadline time.Time) {
	heap.Push(&e.queue, deadlineEntry{deadline: deadline, id: id, gen: p.gen})
	e.armLocked()
}

// armLocked makes sure the timer fires no later than the earliest deadline.
func (e *Engine) armLocked() {
	if e.closed || len(e.queue) == 0 {
		return
	}
	next := e.queue[0].deadline
	if e.timer != nil && !next.Before(e.armedFor) {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.armedFor = next
	e.timer = e.clock.AfterFunc(next.Sub(e.clock.Now()), e.fire)
}

// fire runs one resend pass: due packets are resent or, when their budget is
// spent, dropped and reported. Failures are reported after fireMu is
// released so the handler may call Close.
func (e *Engine) fire() {
	e.fireMu.Lock()
	resends, failure := e.collectDue()
	for _, r := range resends {
		if err := e.transmit(r.datagram); err != nil {
			if failure == nil {
				failure = fmt.Errorf("resend packet %d: %w", r.id, err)
			}
			break
		}
		e.retransmissions.Add(1)
		e.metrics.Retransmitted()
	}
	e.fireMu.Unlock()

	if failure != nil && e.onFailure != nil {
		e.onFailure(failure)
	}
}

type resend struct {
	id       uint16
	datagram []byte
}

func (e *Engine) collectDue() ([]resend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil
	}
	e.timer = nil
	e.armedFor = time.Time{}

	var (
		resends  []resend
		failure  error
		released int
	)
	now := e.clock.Now()
	for len(e.queue) > 0 && !e.queue[0].deadline.After(now) {
		entry := heap.Pop(&e.queue).(deadlineEntry)
		p, ok := e.sent[entry.id]
		if !ok || p.gen != entry.gen || p.acked {
			continue
		}

		p.retransmissions++
		if p.retransmissions > e.resendBudget {
			delete(e.sent, entry.id)
			released++
			e.log.WithFields(logrus.Fields{
				"function": "Engine.fire",
				"id":       entry.id,
				"resends":  p.retransmissions - 1,
			}).Warn("Resend budget exhausted")
			if failure == nil {
				failure = fmt.Errorf("%w: packet %d unacknowledged after %d resends",
					ErrResendBudgetExceeded, entry.id, p.retransmissions-1)
			}
			continue
		}

		p.timeout *= 2
		heap.Push(&e.queue, deadlineEntry{deadline: now.Add(p.timeout), id: entry.id, gen: p.gen})
		resends = append(resends, resend{id: entry.id, datagram: p.datagram})

		e.log.WithFields(logrus.Fields{
			"function":    "Engine.fire",
			"id":          entry.id,
			"attempt":     p.retransmissions,
			"next_timeout": p.timeout,
		}).Debug("Resending unacknowledged packet")
	}
	e.armLocked()
	e.metrics.Released(released)

	return resends, failure
}

// HandleAck processes an acknowledgement for id. It returns false for ids
// that are not in flight, which are otherwise ignored.
func (e *Engine) HandleAck(id uint16) bool {
	e.mu.Lock()
	p, ok := e.sent[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	p.acked = true
	delete(e.sent, id)
	onAck := p.onAck
	e.mu.Unlock()

	e.acksReceived.Add(1)
	e.metrics.Acked()

	if onAck != nil {
		onAck()
	}
	return true
}

// Receive acknowledges id and classifies it against the receive watermark.
// The ack is sent even for duplicates so the peer stops resending. The
// returned error is the transport error of the ack, if any; the verdict is
// valid either way.
func (e *Engine) Receive(id uint16) (Verdict, error) {
	ack := transport.AppendHeader(make([]byte, 0, transport.IDHeaderSize), transport.PacketAcknowledgement, id, nil)
	err := e.transmit(ack)
	if err == nil {
		e.acksSent.Add(1)
	}

	verdict := e.window.classify(id)
	if verdict == Duplicate {
		e.duplicates.Add(1)
		e.metrics.Duplicate()
	}
	return verdict, err
}

func (e *Engine) transmit(datagram []byte) error {
	if err := e.output(datagram); err != nil {
		return err
	}
	e.metrics.DatagramSent()
	return nil
}

// InFlight returns the number of unacknowledged packets.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight:        e.InFlight(),
		ReliableSent:    e.reliableSent.Load(),
		Retransmissions: e.retransmissions.Load(),
		AcksReceived:    e.acksReceived.Load(),
		AcksSent:        e.acksSent.Load(),
		Duplicates:      e.duplicates.Load(),
	}
}

// Watermark reports the receive frontier, whether anything was received and
// how many ids below the frontier are still missing.
func (e *Engine) Watermark() (watermark uint16, received bool, missing int) {
	return e.window.snapshot()
}

// IsMissing reports whether id is below the watermark and not yet received.
func (e *Engine) IsMissing(id uint16) bool {
	return e.window.isMissing(id)
}

// Close stops the resend timer, drops every pending packet and waits for an
// in-progress resend pass to finish. No datagram is transmitted by the timer
// after Close returns. It returns the number of packets dropped.
func (e *Engine) Close() int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	dropped := len(e.sent)
	e.sent = make(map[uint16]*pendingPacket)
	e.queue = nil
	e.mu.Unlock()

	// Wait for a resend pass that collected packets before closed was set.
	e.fireMu.Lock()
	e.fireMu.Unlock()

	e.metrics.Released(dropped)
	return dropped
}
