package client

import (
	"context"
	"fmt"
	"time"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

const registryRequestTimeout = 5 * time.Second

// Registrar maintains a service's registration with the registry. Publishers
// and RPC servers share it: both register on startup, renew on a heartbeat
// cadence, and unregister best-effort on shutdown.
type Registrar struct {
	conn   *Conn
	logger log.Log
}

// NewRegistrar creates a registrar talking to the given registry endpoint.
func NewRegistrar(registryAddr string, logger log.Log) *Registrar {
	logger = logger.With(log.String("registry", registryAddr))
	return &Registrar{
		conn:   NewConn(registryAddr, DefaultConnConfig(), logger),
		logger: logger,
	}
}

// Register sends one RegisterService and waits for the acknowledgment.
// Renewal is the same full registration; there is no separate heartbeat
// message on the wire.
func (r *Registrar) Register(ctx context.Context, reg *wire.RegisterService) error {
	ctx, cancel := context.WithTimeout(ctx, registryRequestTimeout)
	defer cancel()

	if err := r.conn.Send(ctx, wire.NewMessage(reg)); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}

	reply, err := r.conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}

	switch payload := reply.Payload.(type) {
	case *wire.ServiceRegistered:
		return nil
	case *wire.ProtocolError:
		return fmt.Errorf("%w: %s", ErrRegistryRejected, payload.Error())
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply.Payload)
	}
}

// Unregister removes the named service. Best effort: failures are returned
// but callers typically only log them during shutdown.
func (r *Registrar) Unregister(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, registryRequestTimeout)
	defer cancel()

	if err := r.conn.Send(ctx, wire.NewMessage(&wire.UnregisterService{Name: name})); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}
	if _, err := r.conn.Receive(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}
	return nil
}

// Heartbeat re-registers on every tick until ctx ends. Registry outages are
// logged and retried on the next tick (the connection itself redials with
// exponential backoff); they never take the caller down.
func (r *Registrar) Heartbeat(ctx context.Context, interval time.Duration, reg *wire.RegisterService) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Register(ctx, reg); err != nil {
				r.logger.Warn("Heartbeat registration failed",
					log.String("service", reg.Name),
					log.Error(err))
				continue
			}
			r.logger.Debug("Heartbeat registration renewed", log.String("service", reg.Name))
		}
	}
}

// Close drops the registry connection.
func (r *Registrar) Close() error {
	return r.conn.Close()
}
