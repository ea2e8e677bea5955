// Package wind is the public SDK surface for the WIND messaging substrate.
// It re-exports the value model and wraps the discovery, subscription, and
// RPC client behind a small API.
package wind

import (
	"context"
	"time"

	"github.com/windlabs/wind/internal/core/client"
	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// Value model re-exports.
type (
	Value  = wire.Value
	Bool   = wire.Bool
	I32    = wire.I32
	I64    = wire.I64
	F32    = wire.F32
	F64    = wire.F64
	String = wire.String
	Bytes  = wire.Bytes
	Array  = wire.Array
	Map    = wire.Map

	ServiceInfo      = wire.ServiceInfo
	SubscriptionMode = wire.SubscriptionMode
	QosParams        = wire.QosParams
	Subscription     = client.Subscription
)

// Subscription modes.
var (
	ModeOnce     = wire.ModeOnce
	ModeOnChange = wire.ModeOnChange
	ModePeriodic = wire.ModePeriodic
)

// DefaultQos returns the default best-effort QoS parameters.
func DefaultQos() QosParams { return wire.DefaultQos() }

// Client talks to a WIND deployment through its registry.
type Client struct {
	inner *client.Client
}

// Options tune the client. Zero values mean defaults.
type Options struct {
	RPCTimeout         time.Duration
	ConnectMaxAttempts int
}

// Connect creates a client for the given registry endpoint.
func Connect(registry string, opts Options) *Client {
	config := client.DefaultConfig(registry)
	if opts.RPCTimeout > 0 {
		config.RPCTimeout = opts.RPCTimeout
	}
	if opts.ConnectMaxAttempts > 0 {
		config.ConnectMaxAttempts = opts.ConnectMaxAttempts
	}
	return &Client{inner: client.New(config, log.Provide())}
}

// Discover returns every live service matching a glob pattern such as
// "SENSOR/*/TEMP".
func (c *Client) Discover(ctx context.Context, pattern string) ([]ServiceInfo, error) {
	return c.inner.Discover(ctx, pattern)
}

// Subscribe opens a value stream from the named publisher.
func (c *Client) Subscribe(ctx context.Context, service string, mode SubscriptionMode, qos QosParams) (*Subscription, error) {
	return c.inner.Subscribe(ctx, service, mode, qos)
}

// Call performs one RPC round trip against the named service.
func (c *Client) Call(ctx context.Context, service, method string, params Value) (Value, error) {
	return c.inner.Call(ctx, service, method, params)
}

// CallAsync fires an RPC without waiting for the response.
func (c *Client) CallAsync(ctx context.Context, service, method string, params Value) error {
	return c.inner.CallAsync(ctx, service, method, params)
}

// Close releases the registry connection.
func (c *Client) Close() error {
	return c.inner.Close()
}
