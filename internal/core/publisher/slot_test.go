package publisher

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/wind/internal/core/wire"
)

func testSlot(t *testing.T, mode wire.SubscriptionMode, qos wire.QosParams) *slot {
	t.Helper()

	server, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = clientConn.Close()
	})
	return newSlot("test", server, mode, qos)
}

func TestSlot_OnceDeliversExactlyOne(t *testing.T) {
	s := testSlot(t, wire.ModeOnce(), wire.DefaultQos())
	now := time.Now()

	require.True(t, s.shouldSend(now, wire.F64(1)))
	s.markSent(now, wire.F64(1))

	assert.False(t, s.shouldSend(now, wire.F64(2)))
	assert.False(t, s.shouldSend(now.Add(time.Hour), wire.F64(3)))
}

func TestSlot_OnChangeFiltersEqualValues(t *testing.T) {
	s := testSlot(t, wire.ModeOnChange(), wire.DefaultQos())
	now := time.Now()

	require.True(t, s.shouldSend(now, wire.F64(23.5)), "first value always delivers")
	s.markSent(now, wire.F64(23.5))

	assert.False(t, s.shouldSend(now, wire.F64(23.5)), "equal consecutive value is filtered")
	require.True(t, s.shouldSend(now, wire.F64(24.0)))
	s.markSent(now, wire.F64(24.0))

	// Going back to an earlier value is still a change.
	assert.True(t, s.shouldSend(now, wire.F64(23.5)))
}

func TestSlot_OnChangeUsesStructuralEquality(t *testing.T) {
	s := testSlot(t, wire.ModeOnChange(), wire.DefaultQos())
	now := time.Now()

	first := wire.Map{"a": wire.I32(1), "b": wire.I32(2)}
	s.markSent(now, first)

	// Same content with different insertion order must be filtered.
	assert.False(t, s.shouldSend(now, wire.Map{"b": wire.I32(2), "a": wire.I32(1)}))
	assert.True(t, s.shouldSend(now, wire.Map{"a": wire.I32(1), "b": wire.I32(3)}))
}

func TestSlot_PeriodicGatesOnElapsedTime(t *testing.T) {
	s := testSlot(t, wire.ModePeriodic(100*time.Millisecond), wire.DefaultQos())
	base := time.Now()

	require.True(t, s.shouldSend(base, wire.F64(1)), "first value always delivers")
	s.markSent(base, wire.F64(1))

	assert.False(t, s.shouldSend(base.Add(50*time.Millisecond), wire.F64(2)))
	assert.False(t, s.shouldSend(base.Add(99*time.Millisecond), wire.F64(3)))
	assert.True(t, s.shouldSend(base.Add(100*time.Millisecond), wire.F64(4)))
	assert.True(t, s.shouldSend(base.Add(250*time.Millisecond), wire.F64(5)))
}

func TestSlot_BestEffortEnqueueDropsOldest(t *testing.T) {
	qos := wire.DefaultQos()
	qos.BufferDepth = 2
	s := testSlot(t, wire.ModeOnChange(), qos)

	first := wire.NewMessage(&wire.Publish{Service: "S", Value: wire.I32(1), Sequence: 1})
	second := wire.NewMessage(&wire.Publish{Service: "S", Value: wire.I32(2), Sequence: 2})
	third := wire.NewMessage(&wire.Publish{Service: "S", Value: wire.I32(3), Sequence: 3})

	require.True(t, s.enqueue(first))
	require.True(t, s.enqueue(second))
	require.True(t, s.enqueue(third), "overflow must not block under BestEffort")

	// The oldest frame was shed; the queue holds the two newest.
	got := <-s.writerCh
	assert.Equal(t, uint64(2), got.Payload.(*wire.Publish).Sequence)
	got = <-s.writerCh
	assert.Equal(t, uint64(3), got.Payload.(*wire.Publish).Sequence)
}

func TestSlot_EnqueueAfterCloseFails(t *testing.T) {
	qos := wire.DefaultQos()
	qos.Reliability = wire.Reliable
	qos.BufferDepth = 1
	s := testSlot(t, wire.ModeOnChange(), qos)

	require.True(t, s.enqueue(wire.NewMessage(&wire.Publish{Service: "S", Value: wire.I32(1)})))

	s.close()

	// A full queue on a closed slot must not block a Reliable enqueue.
	done := make(chan bool, 1)
	go func() {
		done <- s.enqueue(wire.NewMessage(&wire.Publish{Service: "S", Value: wire.I32(2)}))
	}()

	select {
	case queued := <-done:
		assert.False(t, queued)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a closed slot")
	}
}
