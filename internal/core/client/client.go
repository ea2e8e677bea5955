package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// Config holds the client façade settings.
type Config struct {
	Registry           string
	RPCTimeout         time.Duration
	ConnectMaxAttempts int
}

// DefaultConfig returns the default client settings.
func DefaultConfig(registry string) Config {
	return Config{
		Registry:           registry,
		RPCTimeout:         10 * time.Second,
		ConnectMaxAttempts: 10,
	}
}

// Client resolves services through the registry and talks to producers over
// direct connections: one held connection per subscription, one fresh
// connection per RPC call. The registry connection is reused across
// requests.
type Client struct {
	config Config
	logger log.Log

	registryMu sync.Mutex
	registry   *Conn
}

// New creates a client for the given registry endpoint.
func New(config Config, logger log.Log) *Client {
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = DefaultConfig(config.Registry).RPCTimeout
	}
	if config.ConnectMaxAttempts <= 0 {
		config.ConnectMaxAttempts = DefaultConfig(config.Registry).ConnectMaxAttempts
	}
	logger = logger.With(log.String("component", "client"))
	return &Client{
		config:   config,
		logger:   logger,
		registry: NewConn(config.Registry, DefaultConnConfig(), logger),
	}
}

func (c *Client) connConfig() ConnConfig {
	config := DefaultConnConfig()
	config.MaxAttempts = c.config.ConnectMaxAttempts
	return config
}

// registryRequest performs one serialized request/response exchange on the
// shared registry connection.
func (c *Client) registryRequest(ctx context.Context, payload wire.Payload) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, registryRequestTimeout)
	defer cancel()

	c.registryMu.Lock()
	defer c.registryMu.Unlock()

	if err := c.registry.Send(ctx, wire.NewMessage(payload)); err != nil {
		return nil, err
	}
	return c.registry.Receive(ctx)
}

// Ping round-trips a Ping through the registry.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.registryRequest(ctx, wire.Ping{})
	if err != nil {
		return err
	}
	if _, ok := reply.Payload.(wire.Pong); !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply.Payload)
	}
	return nil
}

// Discover returns every live service matching the pattern.
func (c *Client) Discover(ctx context.Context, pattern string) ([]wire.ServiceInfo, error) {
	reply, err := c.registryRequest(ctx, &wire.DiscoverServices{Pattern: pattern})
	if err != nil {
		return nil, err
	}

	switch payload := reply.Payload.(type) {
	case *wire.ServicesDiscovered:
		return payload.Services, nil
	case *wire.ProtocolError:
		return nil, payload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply.Payload)
	}
}

// discoverOne resolves an exact service name to a live endpoint.
func (c *Client) discoverOne(ctx context.Context, service string) (wire.ServiceInfo, error) {
	services, err := c.Discover(ctx, service)
	if err != nil {
		return wire.ServiceInfo{}, err
	}
	for _, svc := range services {
		if svc.Name == service {
			return svc, nil
		}
	}
	return wire.ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
}

// Subscribe resolves the service, opens a dedicated connection to its
// publisher, and streams values under the requested mode. The publisher's
// cached current value, when present, is yielded as the first stream item
// unless the mode is periodic.
func (c *Client) Subscribe(ctx context.Context, service string, mode wire.SubscriptionMode, qos wire.QosParams) (*Subscription, error) {
	svc, err := c.discoverOne(ctx, service)
	if err != nil {
		return nil, err
	}

	conn := NewConn(svc.Endpoint, c.connConfig(), c.logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, registryRequestTimeout)
	defer cancel()

	sub := &wire.Subscribe{Service: service, Mode: mode, Qos: qos}
	if err := conn.Send(handshakeCtx, wire.NewMessage(sub)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	reply, err := conn.Receive(handshakeCtx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	ack, ok := reply.Payload.(*wire.SubscribeAck)
	if !ok {
		_ = conn.Close()
		if protoErr, isErr := reply.Payload.(*wire.ProtocolError); isErr {
			return nil, protoErr
		}
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply.Payload)
	}
	if !ack.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to %s refused", service)
	}

	subscription := newSubscription(service, mode, conn, qos.BufferDepth, c.logger)

	// The ack's cached value was never observed as a stream item, so it is
	// delivered as one here, except under periodic pacing.
	if ack.CurrentValue != nil && mode.Kind != wire.SubscribePeriodic {
		subscription.deliver(ack.CurrentValue)
	}

	go subscription.readLoop()

	c.logger.Info("Subscribed",
		log.String("service", service),
		log.String("endpoint", svc.Endpoint))

	return subscription, nil
}

// Call resolves the service, opens a fresh connection, performs one RPC
// exchange under the configured timeout, and closes the connection. Handler
// failures come back as *HandlerError; transport and timeout failures as
// their respective errors.
func (c *Client) Call(ctx context.Context, service, method string, params wire.Value) (wire.Value, error) {
	svc, err := c.discoverOne(ctx, service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RPCTimeout)
	defer cancel()

	conn := NewConn(svc.Endpoint, c.connConfig(), c.logger)
	defer func() { _ = conn.Close() }()

	callID := uuid.New()
	call := &wire.RpcCall{
		CallID:  callID,
		Service: service,
		Method:  method,
		Params:  params,
	}
	if err := conn.Send(ctx, wire.NewMessage(call)); err != nil {
		return nil, err
	}

	for {
		reply, err := conn.Receive(ctx)
		if err != nil {
			return nil, err
		}

		response, ok := reply.Payload.(*wire.RpcResponse)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply.Payload)
		}
		if response.CallID != callID {
			// Stale response from a previous occupant of this connection;
			// not possible with one connection per call, but harmless.
			continue
		}

		if !response.OK {
			return nil, &HandlerError{Service: service, Method: method, Message: response.Err}
		}
		return response.Result, nil
	}
}

// CallAsync fires an RPC without waiting for its response.
func (c *Client) CallAsync(ctx context.Context, service, method string, params wire.Value) error {
	svc, err := c.discoverOne(ctx, service)
	if err != nil {
		return err
	}

	conn := NewConn(svc.Endpoint, c.connConfig(), c.logger)
	defer func() { _ = conn.Close() }()

	call := &wire.RpcCall{
		CallID:  uuid.New(),
		Service: service,
		Method:  method,
		Params:  params,
	}
	return conn.Send(ctx, wire.NewMessage(call))
}

// Close drops the shared registry connection. Live subscriptions are
// unaffected; they own their connections.
func (c *Client) Close() error {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	return c.registry.Close()
}
