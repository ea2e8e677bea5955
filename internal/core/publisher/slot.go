package publisher

import (
	"net"
	"sync"
	"time"

	"github.com/windlabs/wind/internal/core/wire"
)

// slot is the server-side state of one subscriber: its requested delivery
// mode, the filter bookkeeping, and the bounded writer queue bridging the
// update-sender loop to the subscriber's socket.
type slot struct {
	id   string
	conn net.Conn
	mode wire.SubscriptionMode
	qos  wire.QosParams

	// Filter state, touched only by the update-sender loop.
	lastSentValue wire.Value
	lastSentAt    time.Time
	sentOnce      bool

	writerCh  chan *wire.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSlot(id string, conn net.Conn, mode wire.SubscriptionMode, qos wire.QosParams) *slot {
	if qos.BufferDepth == 0 {
		qos.BufferDepth = wire.DefaultQos().BufferDepth
	}
	return &slot{
		id:       id,
		conn:     conn,
		mode:     mode,
		qos:      qos,
		writerCh: make(chan *wire.Message, qos.BufferDepth),
		done:     make(chan struct{}),
	}
}

// shouldSend applies the delivery-mode filter to a new update.
func (s *slot) shouldSend(now time.Time, next wire.Value) bool {
	switch s.mode.Kind {
	case wire.SubscribeOnce:
		return !s.sentOnce
	case wire.SubscribeOnChange:
		return s.lastSentValue == nil || !next.Equal(s.lastSentValue)
	case wire.SubscribePeriodic:
		period := time.Duration(s.mode.PeriodUS) * time.Microsecond
		return s.lastSentAt.IsZero() || now.Sub(s.lastSentAt) >= period
	default:
		return false
	}
}

// markSent records a delivery for subsequent filter decisions.
func (s *slot) markSent(now time.Time, sent wire.Value) {
	s.lastSentAt = now
	s.lastSentValue = sent
	s.sentOnce = true
}

// enqueue hands a frame to the writer. Under BestEffort a full queue drops
// the oldest pending frame; under Reliable the caller blocks until the
// writer drains or the slot closes. Reports whether the frame was queued.
func (s *slot) enqueue(msg *wire.Message) bool {
	if s.qos.Reliability == wire.Reliable {
		select {
		case <-s.done:
			return false
		case s.writerCh <- msg:
			return true
		}
	}

	for {
		select {
		case <-s.done:
			return false
		case s.writerCh <- msg:
			return true
		default:
		}
		// Queue full: shed the oldest frame and retry.
		select {
		case <-s.writerCh:
		default:
		}
	}
}

// close releases the subscriber. Safe to call from any goroutine, any
// number of times.
func (s *slot) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
