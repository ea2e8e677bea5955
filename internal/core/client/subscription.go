package client

import (
	"context"
	"sync"
	"time"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// Subscription is a live value stream from one publisher. It owns a
// dedicated connection held for the subscription's lifetime.
type Subscription struct {
	Service string
	Mode    wire.SubscriptionMode

	conn   *Conn
	values chan wire.Value
	done   chan struct{}
	once   sync.Once
	logger log.Log
}

func newSubscription(service string, mode wire.SubscriptionMode, conn *Conn, depth uint32, logger log.Log) *Subscription {
	if depth == 0 {
		depth = wire.DefaultQos().BufferDepth
	}
	return &Subscription{
		Service: service,
		Mode:    mode,
		conn:    conn,
		values:  make(chan wire.Value, depth),
		done:    make(chan struct{}),
		logger:  logger.With(log.String("service", service)),
	}
}

// Values returns the stream of published values. The channel closes when
// the subscription is cancelled or the publisher connection drops.
func (s *Subscription) Values() <-chan wire.Value {
	return s.values
}

// Next waits for the next value or gives up when ctx ends.
func (s *Subscription) Next(ctx context.Context) (wire.Value, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case value, ok := <-s.values:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return value, nil
	}
}

// Cancel sends a best-effort Unsubscribe and tears down the connection.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.conn.Send(ctx, wire.NewMessage(&wire.Unsubscribe{Service: s.Service})); err != nil {
			s.logger.Debug("Unsubscribe send failed", log.Error(err))
		}
		_ = s.conn.Close()
	})
}

// deliver queues a value for the consumer, blocking until there is room or
// the subscription ends.
func (s *Subscription) deliver(value wire.Value) bool {
	select {
	case <-s.done:
		return false
	case s.values <- value:
		return true
	}
}

// readLoop decodes Publish frames until the connection drops or Cancel is
// called, then closes the value stream.
func (s *Subscription) readLoop() {
	defer close(s.values)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg, err := s.conn.Receive(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("Subscription stream ended", log.Error(err))
			}
			return
		}

		switch payload := msg.Payload.(type) {
		case *wire.Publish:
			if payload.Value == nil {
				continue
			}
			if !s.deliver(payload.Value) {
				return
			}
		case *wire.ProtocolError:
			s.logger.Warn("Publisher reported error",
				log.String("code", payload.Code),
				log.String("message", payload.Message))
			return
		default:
			s.logger.Debug("Ignoring unexpected payload on subscription stream")
		}
	}
}
