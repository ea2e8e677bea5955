package registry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// ServerConfig holds the registry server settings.
type ServerConfig struct {
	Bind          string
	SweepInterval time.Duration
}

// DefaultServerConfig returns the default registry settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Bind:          "127.0.0.1:7001",
		SweepInterval: 30 * time.Second,
	}
}

// Server is the TCP front of the registry store. Each accepted connection
// runs an independent request loop; dropping a connection never unregisters
// anything, because entries are keyed by name.
type Server struct {
	config   ServerConfig
	store    *Store
	listener net.Listener
	logger   log.Log

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer creates a registry server around a fresh store.
func NewServer(config ServerConfig, logger log.Log) *Server {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultServerConfig().SweepInterval
	}
	return &Server{
		config: config,
		store:  NewStore(),
		logger: logger.With(log.String("component", "registry")),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Store exposes the underlying directory, mainly for embedding and tests.
func (s *Server) Store() *Store {
	return s.store
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start binds the listener, starts the TTL sweeper, and begins accepting
// connections. It does not block.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.Bind)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("failed to bind registry listener: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.store.StartSweeper(s.ctx, s.config.SweepInterval, s.logger)

	s.logger.Info("Registry listening", log.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Close stops accepting, closes the listener, and waits for connection
// loops to drain. The store contents are discarded with the process.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrNotRunning
	}

	s.cancel()
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	registrations, lookups, swept := s.store.Stats()
	s.logger.Info("Registry stopped",
		log.Uint64("registrations", registrations),
		log.Uint64("lookups", lookups),
		log.Uint64("swept", swept))

	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Accept failed", log.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the per-connection request loop: decode, handle, reply.
// Framing errors close the connection; the peer recovers by reconnecting.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
	}()

	logger := s.logger.With(log.String("remote", conn.RemoteAddr().String()))
	logger.Debug("Client connected")

	for {
		if s.ctx.Err() != nil {
			return
		}

		msg, err := wire.Decode(conn)
		if err != nil {
			logger.Debug("Client loop ended", log.Error(err))
			return
		}

		reply := s.handleMessage(logger, msg)
		if err := wire.Write(conn, reply); err != nil {
			logger.Warn("Failed to write reply", log.Error(err))
			return
		}
	}
}

func (s *Server) handleMessage(logger log.Log, msg *wire.Message) *wire.Message {
	switch payload := msg.Payload.(type) {
	case wire.Ping:
		return wire.NewMessage(wire.Pong{})

	case *wire.RegisterService:
		info := wire.ServiceInfo{
			Name:     payload.Name,
			Endpoint: payload.Endpoint,
			Kind:     payload.Kind,
			Tags:     payload.Tags,
			SchemaID: payload.SchemaID,
		}
		ttl := time.Duration(payload.TTLSecs) * time.Second
		prev := s.store.Register(info, ttl)
		if prev == nil {
			logger.Info("Service registered",
				log.String("service", payload.Name),
				log.String("endpoint", payload.Endpoint),
				log.String("kind", payload.Kind.String()),
				log.Uint32("ttl_secs", payload.TTLSecs))
		} else {
			logger.Debug("Service renewed", log.String("service", payload.Name))
		}
		return wire.NewMessage(&wire.ServiceRegistered{Name: payload.Name})

	case *wire.UnregisterService:
		if s.store.Unregister(payload.Name) {
			logger.Info("Service unregistered", log.String("service", payload.Name))
		}
		return wire.NewMessage(&wire.ServiceUnregistered{Name: payload.Name})

	case *wire.DiscoverServices:
		pattern, err := ParsePattern(payload.Pattern)
		if err != nil {
			return wire.NewMessage(&wire.ProtocolError{
				Code:    wire.CodeMalformed,
				Message: err.Error(),
			})
		}
		services := s.store.Lookup(pattern)
		logger.Debug("Discovery",
			log.String("pattern", payload.Pattern),
			log.Int("matches", len(services)))
		return wire.NewMessage(&wire.ServicesDiscovered{Services: services})

	default:
		// Heartbeat included: renewal happens via RegisterService only.
		logger.Debug("Unsupported payload", log.Any("payload", fmt.Sprintf("%T", msg.Payload)))
		return wire.NewMessage(&wire.ProtocolError{
			Code:    wire.CodeUnsupportedOnRegistry,
			Message: fmt.Sprintf("payload %T is not handled by the registry", msg.Payload),
		})
	}
}
