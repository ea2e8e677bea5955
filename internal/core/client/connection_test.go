package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// startEcho runs a server answering every Ping with a Pong.
func startEcho(t *testing.T) net.Addr {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				for {
					msg, err := wire.Decode(conn)
					if err != nil {
						return
					}
					if _, ok := msg.Payload.(wire.Ping); ok {
						if err := wire.Write(conn, wire.NewMessage(wire.Pong{})); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	return listener.Addr()
}

// unusedAddr reserves an address and releases it so nothing listens there.
func unusedAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func fastConfig(attempts int) ConnConfig {
	return ConnConfig{
		MaxAttempts: attempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

func TestConn_StartsDisconnected(t *testing.T) {
	conn := NewConn("127.0.0.1:1", DefaultConnConfig(), log.Provide())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_ConnectExhaustsAttempts(t *testing.T) {
	conn := NewConn(unusedAddr(t), fastConfig(3), log.Provide())

	start := time.Now()
	err := conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectExhausted)
	assert.Equal(t, StateDisconnected, conn.State())

	// Two backoff sleeps for three attempts: 10 ms + 20 ms.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestConn_ConnectHonorsContextCancellation(t *testing.T) {
	conn := NewConn(unusedAddr(t), fastConfig(10), log.Provide())

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_SendReceiveRoundTrip(t *testing.T) {
	addr := startEcho(t)

	conn := NewConn(addr.String(), DefaultConnConfig(), log.Provide())
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	require.NoError(t, conn.Send(ctx, wire.NewMessage(wire.Ping{})))
	assert.Equal(t, StateConnected, conn.State())

	reply, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Pong{}, reply.Payload)
}

func TestConn_ReceiveTimeout(t *testing.T) {
	addr := startEcho(t)

	conn := NewConn(addr.String(), DefaultConnConfig(), log.Provide())
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// No Ping was sent, so nothing will arrive before the deadline.
	_, err := conn.Receive(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateDisconnected, conn.State(), "a timed-out read drops the connection")
}

func TestConn_TransportErrorDropsToDisconnected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn := NewConn(listener.Addr().String(), DefaultConnConfig(), log.Provide())
	require.NoError(t, conn.Connect(context.Background()))

	// Kill the server side mid-session.
	serverSide := <-accepted
	require.NoError(t, serverSide.Close())
	require.NoError(t, listener.Close())

	_, err = conn.Receive(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	addr := startEcho(t)

	conn := NewConn(addr.String(), fastConfig(5), log.Provide())
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	require.NoError(t, conn.Send(ctx, wire.NewMessage(wire.Ping{})))
	_, err := conn.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateDisconnected, conn.State())

	// The next operation redials transparently.
	require.NoError(t, conn.Send(ctx, wire.NewMessage(wire.Ping{})))
	reply, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Pong{}, reply.Payload)
}
