package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// State string representation
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnConfig controls the dial/reconnect behavior of a Conn.
type ConnConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConnConfig returns the default backoff schedule: 100 ms doubling
// up to 5 s, at most 10 attempts.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Conn is a lazily-dialed framed connection. It is constructed disconnected;
// Send and Receive connect on demand, and any transport failure drops it
// back to disconnected so the next operation redials.
type Conn struct {
	addr   string
	config ConnConfig
	logger log.Log

	state atomic.Int32

	mu   sync.Mutex
	conn net.Conn
}

// NewConn creates a connection handle without dialing.
func NewConn(addr string, config ConnConfig, logger log.Log) *Conn {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConnConfig().MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConnConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConnConfig().MaxDelay
	}
	return &Conn{
		addr:   addr,
		config: config,
		logger: logger.With(log.String("target", addr)),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Addr returns the dial target.
func (c *Conn) Addr() string {
	return c.addr
}

// Connect dials with exponential backoff until it succeeds, the context
// ends, or MaxAttempts is exhausted.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.state.Store(int32(StateConnecting))
	delay := c.config.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			c.conn = conn
			c.state.Store(int32(StateConnected))
			c.logger.Debug("Connected", log.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		if attempt == c.config.MaxAttempts {
			break
		}

		c.logger.Debug("Dial failed, backing off",
			log.Int("attempt", attempt),
			log.Duration("delay", delay),
			log.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.state.Store(int32(StateDisconnected))
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > c.config.MaxDelay {
			delay = c.config.MaxDelay
		}
	}

	c.state.Store(int32(StateDisconnected))
	return fmt.Errorf("%w: %s after %d attempts: %v",
		ErrConnectExhausted, c.addr, c.config.MaxAttempts, lastErr)
}

// Send frames and writes one message, connecting first if needed.
func (c *Conn) Send(ctx context.Context, msg *wire.Message) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	if err := wire.Write(conn, msg); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// Receive reads one framed message, connecting first if needed. A context
// deadline is applied as the socket read deadline; exceeding it surfaces
// ErrTimeout and drops the connection.
func (c *Conn) Receive(ctx context.Context) (*wire.Message, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	msg, err := wire.Decode(conn)
	if err != nil {
		c.dropConn(conn)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("receive failed: %w", err)
	}
	return msg, nil
}

// Close drops the connection. The handle may be reused; the next Send or
// Receive redials.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// dropConn transitions to disconnected, but only if the failed socket is
// still the active one.
func (c *Conn) dropConn(failed net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == failed {
		_ = c.conn.Close()
		c.conn = nil
		c.state.Store(int32(StateDisconnected))
	}
}
