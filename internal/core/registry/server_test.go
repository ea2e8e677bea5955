package registry

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

func testLogger() log.Log {
	return log.Provide()
}

func startTestServer(t *testing.T, sweep time.Duration) *Server {
	t.Helper()

	server := NewServer(ServerConfig{Bind: "127.0.0.1:0", SweepInterval: sweep}, testLogger())
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Close() })
	return server
}

// request performs one framed request/response exchange on conn.
func request(t *testing.T, conn net.Conn, payload wire.Payload) *wire.Message {
	t.Helper()

	require.NoError(t, wire.Write(conn, wire.NewMessage(payload)))
	reply, err := wire.Decode(conn)
	require.NoError(t, err)
	return reply
}

func dialTest(t *testing.T, server *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func registerPayload(name string, ttlSecs uint32) *wire.RegisterService {
	return &wire.RegisterService{
		Name:     name,
		Endpoint: "127.0.0.1:9000",
		Kind:     wire.ServicePublisher,
		Tags:     []string{"test"},
		TTLSecs:  ttlSecs,
	}
}

func TestServer_PingPong(t *testing.T) {
	server := startTestServer(t, time.Second)
	conn := dialTest(t, server)

	reply := request(t, conn, wire.Ping{})
	assert.Equal(t, wire.Pong{}, reply.Payload)
}

func TestServer_RegisterAndDiscover(t *testing.T) {
	server := startTestServer(t, time.Second)
	conn := dialTest(t, server)

	for _, name := range []string{"SENSOR/A/TEMP", "SENSOR/B/TEMP", "SENSOR/A/HUM"} {
		reply := request(t, conn, registerPayload(name, 60))
		registered, ok := reply.Payload.(*wire.ServiceRegistered)
		require.True(t, ok, "unexpected reply %T", reply.Payload)
		assert.Equal(t, name, registered.Name)
	}

	reply := request(t, conn, &wire.DiscoverServices{Pattern: "SENSOR/*/TEMP"})
	discovered, ok := reply.Payload.(*wire.ServicesDiscovered)
	require.True(t, ok)
	names := make([]string, 0, len(discovered.Services))
	for _, svc := range discovered.Services {
		names = append(names, svc.Name)
	}
	assert.ElementsMatch(t, []string{"SENSOR/A/TEMP", "SENSOR/B/TEMP"}, names)

	// Two-segment pattern cannot match three-segment names.
	reply = request(t, conn, &wire.DiscoverServices{Pattern: "SENSOR/*"})
	discovered, ok = reply.Payload.(*wire.ServicesDiscovered)
	require.True(t, ok)
	assert.Empty(t, discovered.Services)
}

func TestServer_RegistrationsSurviveConnectionClose(t *testing.T) {
	server := startTestServer(t, time.Second)

	conn := dialTest(t, server)
	request(t, conn, registerPayload("SENSOR/A/TEMP", 60))
	require.NoError(t, conn.Close())

	// Entries are keyed by name, not by connection identity.
	other := dialTest(t, server)
	reply := request(t, other, &wire.DiscoverServices{Pattern: "SENSOR/A/TEMP"})
	discovered, ok := reply.Payload.(*wire.ServicesDiscovered)
	require.True(t, ok)
	require.Len(t, discovered.Services, 1)
}

func TestServer_TTLExpiry(t *testing.T) {
	server := startTestServer(t, 50*time.Millisecond)
	conn := dialTest(t, server)

	request(t, conn, registerPayload("SHORT/LIVED", 1))

	reply := request(t, conn, &wire.DiscoverServices{Pattern: "SHORT/LIVED"})
	discovered := reply.Payload.(*wire.ServicesDiscovered)
	require.Len(t, discovered.Services, 1)

	time.Sleep(1500 * time.Millisecond)

	reply = request(t, conn, &wire.DiscoverServices{Pattern: "SHORT/LIVED"})
	discovered = reply.Payload.(*wire.ServicesDiscovered)
	assert.Empty(t, discovered.Services, "expired entries must never be discovered")
}

func TestServer_Unregister(t *testing.T) {
	server := startTestServer(t, time.Second)
	conn := dialTest(t, server)

	request(t, conn, registerPayload("CALC", 60))

	reply := request(t, conn, &wire.UnregisterService{Name: "CALC"})
	unregistered, ok := reply.Payload.(*wire.ServiceUnregistered)
	require.True(t, ok)
	assert.Equal(t, "CALC", unregistered.Name)

	reply = request(t, conn, &wire.DiscoverServices{Pattern: "CALC"})
	assert.Empty(t, reply.Payload.(*wire.ServicesDiscovered).Services)
}

func TestServer_UnsupportedPayload(t *testing.T) {
	server := startTestServer(t, time.Second)
	conn := dialTest(t, server)

	for _, payload := range []wire.Payload{
		wire.Heartbeat{},
		&wire.Subscribe{Service: "SENSOR/A/TEMP", Mode: wire.ModeOnChange(), Qos: wire.DefaultQos()},
	} {
		reply := request(t, conn, payload)
		protoErr, ok := reply.Payload.(*wire.ProtocolError)
		require.True(t, ok, "payload %T should be rejected", payload)
		assert.Equal(t, wire.CodeUnsupportedOnRegistry, protoErr.Code)
	}

	// The connection stays usable after a rejected request.
	reply := request(t, conn, wire.Ping{})
	assert.Equal(t, wire.Pong{}, reply.Payload)
}

func TestServer_InvalidDiscoveryPattern(t *testing.T) {
	server := startTestServer(t, time.Second)
	conn := dialTest(t, server)

	reply := request(t, conn, &wire.DiscoverServices{Pattern: ""})
	protoErr, ok := reply.Payload.(*wire.ProtocolError)
	require.True(t, ok)
	assert.Equal(t, wire.CodeMalformed, protoErr.Code)
}
