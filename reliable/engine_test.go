package reliable

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rudp/transport"
)

// recorder captures every datagram the engine transmits.
type recorder struct {
	mu        sync.Mutex
	datagrams [][]byte
	err       error
}

func (r *recorder) output(datagram []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	r.datagrams = append(r.datagrams, cp)
	return nil
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) count(packetType transport.PacketType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.datagrams {
		if transport.PacketType(d[0]) == packetType {
			n++
		}
	}
	return n
}

func (r *recorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.datagrams) == 0 {
		return nil
	}
	return r.datagrams[len(r.datagrams)-1]
}

type engineHarness struct {
	engine   *Engine
	clock    *clock.Mock
	out      *recorder
	failures chan error
}

func newHarness(t *testing.T, budget int) *engineHarness {
	t.Helper()

	h := &engineHarness{
		clock:    clock.NewMock(),
		out:      &recorder{},
		failures: make(chan error, 8),
	}
	h.engine = NewEngine(Config{
		ResendTimeout:           200 * time.Millisecond,
		ResendsBeforeDisconnect: budget,
		Clock:                   h.clock,
	}, h.out.output, func(err error) { h.failures <- err })
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// advance moves the mock clock and waits for the resend pass it triggers,
// which the mock runs on its own goroutine.
func (h *engineHarness) advance(t *testing.T, d time.Duration, wantReliable int) {
	t.Helper()
	h.clock.Add(d)
	require.Eventually(t, func() bool {
		return h.out.count(transport.PacketReliable) == wantReliable
	}, time.Second, 2*time.Millisecond, "expected %d reliable transmissions", wantReliable)
}

func (h *engineHarness) settle() {
	// Give a spuriously scheduled resend pass the chance to run.
	time.Sleep(20 * time.Millisecond)
}

func TestEngineSendAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, 3)

	for want := uint16(1); want <= 3; want++ {
		id, err := h.engine.Send(transport.PacketReliable, []byte{byte(want)}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	assert.Equal(t, []byte{byte(transport.PacketReliable), 0, 3, 3}, h.out.last())
	assert.Equal(t, 3, h.engine.InFlight())
}

func TestEngineRejectsUnreliableTypes(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.engine.Send(transport.PacketUnreliable, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNotReliable)
	_, err = h.engine.Send(transport.PacketAcknowledgement, nil, nil)
	assert.ErrorIs(t, err, ErrNotReliable)
}

func TestEngineExponentialBackoffAndBudget(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.engine.Send(transport.PacketReliable, []byte("data"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.out.count(transport.PacketReliable))

	h.advance(t, 199*time.Millisecond, 1)
	h.advance(t, time.Millisecond, 2)

	// Second resend waits twice as long.
	h.advance(t, 399*time.Millisecond, 2)
	h.settle()
	assert.Equal(t, 2, h.out.count(transport.PacketReliable))
	h.advance(t, time.Millisecond, 3)

	h.advance(t, 800*time.Millisecond, 4)

	// The fourth timeout exceeds the budget: no fifth transmission.
	h.clock.Add(1600 * time.Millisecond)
	select {
	case err := <-h.failures:
		assert.ErrorIs(t, err, ErrResendBudgetExceeded)
	case <-time.After(time.Second):
		t.Fatal("expected resend budget failure")
	}
	h.settle()

	assert.Equal(t, 4, h.out.count(transport.PacketReliable), "at most budget+1 transmissions")
	assert.Equal(t, 0, h.engine.InFlight())
	assert.Equal(t, uint64(3), h.engine.Stats().Retransmissions)

	h.clock.Add(10 * time.Second)
	h.settle()
	assert.Equal(t, 4, h.out.count(transport.PacketReliable))
}

func TestEngineAckBeforeTimeoutSuppressesResend(t *testing.T) {
	h := newHarness(t, 3)

	acked := 0
	id, err := h.engine.Send(transport.PacketReliable, []byte("data"), func() { acked++ })
	require.NoError(t, err)

	h.clock.Add(100 * time.Millisecond)
	assert.True(t, h.engine.HandleAck(id))
	assert.Equal(t, 1, acked)

	h.clock.Add(5 * time.Second)
	h.settle()
	assert.Equal(t, 1, h.out.count(transport.PacketReliable))
	assert.Equal(t, 0, h.engine.InFlight())
	assert.Empty(t, h.failures)
}

func TestEngineAckAfterResendStopsFurtherResends(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.engine.Send(transport.PacketReliable, []byte("data"), nil)
	require.NoError(t, err)
	h.advance(t, 200*time.Millisecond, 2)

	require.True(t, h.engine.HandleAck(id))
	h.clock.Add(10 * time.Second)
	h.settle()

	assert.Equal(t, 2, h.out.count(transport.PacketReliable))
	assert.Empty(t, h.failures)
}

func TestEngineDuplicateAndUnknownAcksAreIgnored(t *testing.T) {
	h := newHarness(t, 3)

	calls := 0
	id, err := h.engine.Send(transport.PacketHello, nil, func() { calls++ })
	require.NoError(t, err)

	assert.True(t, h.engine.HandleAck(id))
	assert.False(t, h.engine.HandleAck(id))
	assert.False(t, h.engine.HandleAck(999))
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), h.engine.Stats().AcksReceived)
}

func TestEngineReceiveDuplicateDeliversOnceAcksTwice(t *testing.T) {
	h := newHarness(t, 3)

	v, err := h.engine.Receive(5)
	require.NoError(t, err)
	assert.True(t, v.Accepted())

	v, err = h.engine.Receive(5)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, v)

	assert.Equal(t, 2, h.out.count(transport.PacketAcknowledgement))
	assert.Equal(t, []byte{byte(transport.PacketAcknowledgement), 0, 5}, h.out.last())
	assert.Equal(t, uint64(1), h.engine.Stats().Duplicates)
}

func TestEngineReceiveOutOfOrderFillsGap(t *testing.T) {
	h := newHarness(t, 3)

	delivered := map[uint16]int{}
	for _, id := range []uint16{1, 3} {
		v, err := h.engine.Receive(id)
		require.NoError(t, err)
		if v.Accepted() {
			delivered[id]++
		}
	}
	assert.True(t, h.engine.IsMissing(2), "2 must be recorded missing after 3 arrives")

	v, err := h.engine.Receive(2)
	require.NoError(t, err)
	assert.Equal(t, GapFilled, v)
	delivered[2]++

	v, err = h.engine.Receive(2)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, v)

	assert.Equal(t, map[uint16]int{1: 1, 2: 1, 3: 1}, delivered)
	watermark, received, missing := h.engine.Watermark()
	assert.Equal(t, uint16(3), watermark)
	assert.True(t, received)
	assert.Zero(t, missing)
}

func TestEngineReceiveAckFailureStillClassifies(t *testing.T) {
	h := newHarness(t, 3)
	h.out.setErr(errors.New("network down"))

	v, err := h.engine.Receive(1)
	assert.Error(t, err)
	assert.Equal(t, Fresh, v)
}

func TestEngineAllocationSkipsInFlightAndWraps(t *testing.T) {
	h := newHarness(t, 3)

	h.engine.mu.Lock()
	for _, id := range []uint16{0xffff, 0, 1} {
		h.engine.sent[id] = &pendingPacket{}
	}
	h.engine.lastID = 0xfffe
	h.engine.mu.Unlock()

	id, err := h.engine.Send(transport.PacketReliable, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)
}

func TestEngineAllocationExhausted(t *testing.T) {
	h := newHarness(t, 3)

	h.engine.mu.Lock()
	for i := 0; i <= 0xffff; i++ {
		h.engine.sent[uint16(i)] = &pendingPacket{}
	}
	h.engine.mu.Unlock()

	_, err := h.engine.Send(transport.PacketReliable, nil, nil)
	assert.ErrorIs(t, err, ErrNoFreeID)
}

func TestEngineConcurrentSendAckKeepsIDsUnique(t *testing.T) {
	out := &recorder{}
	engine := NewEngine(Config{ResendTimeout: time.Minute, ResendsBeforeDisconnect: 3}, out.output, nil)
	defer engine.Close()

	var (
		mu          sync.Mutex
		outstanding = map[uint16]bool{}
		wg          sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []uint16
			for i := 0; i < 500; i++ {
				id, err := engine.Send(transport.PacketReliable, nil, nil)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, outstanding[id], "id %d assigned twice while in flight", id)
				outstanding[id] = true
				mu.Unlock()
				mine = append(mine, id)

				if rng.Intn(2) == 0 && len(mine) > 0 {
					k := rng.Intn(len(mine))
					ack := mine[k]
					mine = append(mine[:k], mine[k+1:]...)
					mu.Lock()
					delete(outstanding, ack)
					mu.Unlock()
					assert.True(t, engine.HandleAck(ack))
				}
			}
		}(int64(w))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(outstanding), engine.InFlight())
}

func TestEngineCloseCancelsResends(t *testing.T) {
	h := newHarness(t, 3)

	for i := 0; i < 5; i++ {
		_, err := h.engine.Send(transport.PacketReliable, nil, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, h.engine.Close())
	assert.Equal(t, 0, h.engine.Close())

	h.clock.Add(10 * time.Second)
	h.settle()
	assert.Equal(t, 5, h.out.count(transport.PacketReliable))
	assert.Empty(t, h.failures)

	_, err := h.engine.Send(transport.PacketReliable, nil, nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineSendTransportFailureDropsPacket(t *testing.T) {
	h := newHarness(t, 3)
	h.out.setErr(errors.New("network down"))

	_, err := h.engine.Send(transport.PacketReliable, []byte("x"), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, h.engine.InFlight())
}

func TestEngineResendTransportFailureIsReported(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.engine.Send(transport.PacketReliable, []byte("x"), nil)
	require.NoError(t, err)

	sendErr := errors.New("network down")
	h.out.setErr(sendErr)
	h.clock.Add(200 * time.Millisecond)

	select {
	case err := <-h.failures:
		assert.ErrorIs(t, err, sendErr)
		assert.NotErrorIs(t, err, ErrResendBudgetExceeded)
	case <-time.After(time.Second):
		t.Fatal("expected resend failure")
	}
}
