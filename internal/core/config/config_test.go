package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/wind/internal/core/wire"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wind.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:7001", cfg.Registry.Bind)
	assert.Equal(t, 30*time.Second, cfg.Registry.SweepInterval())
	assert.Equal(t, 60*time.Second, cfg.Publisher.TTL())
	assert.Equal(t, 20*time.Second, cfg.Publisher.HeartbeatInterval())
	assert.Equal(t, uint32(1024), cfg.Qos.BufferDepth)
	assert.Equal(t, 10*time.Second, cfg.Client.RPCTimeout())
	assert.Equal(t, 10, cfg.Client.ConnectMaxAttempts)

	reliability, err := cfg.Qos.ParseReliability()
	require.NoError(t, err)
	assert.Equal(t, wire.BestEffort, reliability)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  bind: 0.0.0.0:9001
  sweep_interval_secs: 5
publisher:
  ttl_secs: 30
qos:
  buffer_depth: 256
  reliability: reliable
client:
  rpc_timeout_secs: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9001", cfg.Registry.Bind)
	assert.Equal(t, 5*time.Second, cfg.Registry.SweepInterval())
	assert.Equal(t, 30*time.Second, cfg.Publisher.TTL())
	// With the heartbeat key omitted, the cadence follows the loaded TTL (30s/3).
	assert.Equal(t, 10*time.Second, cfg.Publisher.HeartbeatInterval())
	assert.Equal(t, 2*time.Second, cfg.Client.RPCTimeout())

	qos, err := cfg.Qos.QosParams()
	require.NoError(t, err)
	assert.Equal(t, wire.Reliable, qos.Reliability)
	assert.Equal(t, uint32(256), qos.BufferDepth)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
registry:
  bind: 127.0.0.1:7001
  unknown_knob: true
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
qos:
  reliability: exactly_once
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
