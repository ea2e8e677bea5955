package server

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/publisher"
	"github.com/windlabs/wind/internal/core/rpc"
)

// ErrNothingToServe is returned when Start is called with no capability
// configured.
var ErrNothingToServe = errors.New("no publisher or rpc capability configured")

// Server bundles a publisher and an RPC server behind one service name so a
// process can serve both a value stream and methods.
type Server struct {
	name      string
	logger    log.Log
	publisher *publisher.Publisher
	rpcServer *rpc.Server
}

// New creates an empty combined server for the named service.
func New(name string, logger log.Log) *Server {
	return &Server{
		name:   name,
		logger: logger.With(log.String("service", name)),
	}
}

// WithPublisher adds pub/sub capability. The config's Name is forced to the
// server's service name.
func (s *Server) WithPublisher(config publisher.Config) *Server {
	config.Name = s.name
	s.publisher = publisher.New(config, s.logger)
	return s
}

// WithRPC adds RPC capability under the same service name.
func (s *Server) WithRPC(config rpc.Config) *Server {
	config.Name = s.name
	s.rpcServer = rpc.NewServer(config, s.logger)
	return s
}

// Publisher returns the publisher capability, nil when not configured.
func (s *Server) Publisher() *publisher.Publisher {
	return s.publisher
}

// RPC returns the RPC capability, nil when not configured.
func (s *Server) RPC() *rpc.Server {
	return s.rpcServer
}

// Start launches every configured capability. If one fails to start, the
// others are torn down again.
func (s *Server) Start(ctx context.Context) error {
	if s.publisher == nil && s.rpcServer == nil {
		return ErrNothingToServe
	}

	// A plain group: errgroup.WithContext would cancel its context when Wait
	// returns, and the capabilities keep the Start context for their loops.
	var group errgroup.Group
	if s.publisher != nil {
		group.Go(func() error { return s.publisher.Start(ctx) })
	}
	if s.rpcServer != nil {
		group.Go(func() error { return s.rpcServer.Start(ctx) })
	}

	if err := group.Wait(); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// Close shuts down every configured capability, reporting the first error.
func (s *Server) Close() error {
	var firstErr error
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil && !errors.Is(err, publisher.ErrNotRunning) {
			firstErr = err
		}
	}
	if s.rpcServer != nil {
		if err := s.rpcServer.Close(); err != nil && !errors.Is(err, rpc.ErrNotRunning) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
