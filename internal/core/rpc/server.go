package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windlabs/wind/internal/core/client"
	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// RPC server errors
var (
	ErrAlreadyRunning = errors.New("rpc server already running")
	ErrNotRunning     = errors.New("rpc server not running")
	ErrStarted        = errors.New("method table is frozen after start")
)

// Handler implements one RPC method. The returned error becomes the Err
// string of the RpcResponse; it never fails the connection.
type Handler func(ctx context.Context, params wire.Value) (wire.Value, error)

// Config holds one RPC server's settings.
type Config struct {
	Name     string
	Bind     string
	Registry string
	TTL      time.Duration
	// HeartbeatInterval defaults to TTL/3 when zero.
	HeartbeatInterval time.Duration
	Tags              []string
	SchemaID          string
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:0"
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.TTL / 3
	}
}

// Server answers RpcCall frames for one named service. Like a publisher it
// registers with the registry and renews on a heartbeat cadence; an RPC
// server that stops renewing becomes undiscoverable once its TTL lapses.
// Calls on a single connection are handled serially, one outstanding call
// at a time; concurrency comes from concurrent connections.
type Server struct {
	config    Config
	logger    log.Log
	registrar *client.Registrar

	methodsMu sync.Mutex
	methods   map[string]Handler

	listener net.Listener
	endpoint string

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer creates an RPC server. Methods may be registered until Start.
func NewServer(config Config, logger log.Log) *Server {
	config.applyDefaults()
	return &Server{
		config: config,
		logger: logger.With(
			log.String("component", "rpc_server"),
			log.String("service", config.Name)),
		methods: make(map[string]Handler),
		conns:   make(map[net.Conn]struct{}),
	}
}

// RegisterMethod adds a method to the dispatch table. The table freezes at
// Start.
func (s *Server) RegisterMethod(name string, handler Handler) error {
	if atomic.LoadInt32(&s.running) == 1 {
		return ErrStarted
	}

	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	s.methods[name] = handler

	s.logger.Debug("Method registered", log.String("method", name))
	return nil
}

// Start binds the listener, registers with the registry (fail-fast), and
// spawns the accept and heartbeat loops.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.Bind)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("failed to bind rpc listener: %w", err)
	}
	s.listener = listener
	s.endpoint = listener.Addr().String()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.registrar = client.NewRegistrar(s.config.Registry, s.logger)
	if err := s.registrar.Register(s.ctx, s.registration()); err != nil {
		_ = listener.Close()
		_ = s.registrar.Close()
		s.cancel()
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	s.logger.Info("RPC server started",
		log.String("endpoint", s.endpoint),
		log.Int("methods", len(s.methods)))

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		s.registrar.Heartbeat(s.ctx, s.config.HeartbeatInterval, s.registration())
	}()

	return nil
}

func (s *Server) registration() *wire.RegisterService {
	return &wire.RegisterService{
		Name:     s.config.Name,
		Endpoint: s.endpoint,
		Kind:     wire.ServiceRPCServer,
		Tags:     s.config.Tags,
		SchemaID: s.config.SchemaID,
		TTLSecs:  uint32(s.config.TTL / time.Second),
	}
}

// Endpoint returns the bound address once Start has succeeded.
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Close stops the loops and unregisters best-effort.
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if uerr := s.registrar.Unregister(ctx, s.config.Name); uerr != nil {
		s.logger.Debug("Unregister failed on shutdown", log.Error(uerr))
	}
	_ = s.registrar.Close()

	s.wg.Wait()
	s.logger.Info("RPC server stopped")
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

// handleConn runs the serial per-connection call loop. A decode failure
// closes the connection; a handler failure is an ordinary response.
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
	logger.Debug("RPC client connected")

	for {
		if s.ctx.Err() != nil {
			return
		}

		msg, err := wire.Decode(conn)
		if err != nil {
			logger.Debug("RPC client loop ended", log.Error(err))
			return
		}

		var reply *wire.Message
		switch payload := msg.Payload.(type) {
		case *wire.RpcCall:
			reply = wire.NewMessage(s.dispatch(payload, logger))
		case wire.Ping:
			reply = wire.NewMessage(wire.Pong{})
		default:
			reply = wire.NewMessage(&wire.ProtocolError{
				Code:    wire.CodeUnsupportedPayload,
				Message: fmt.Sprintf("payload %T is not handled by an rpc server", msg.Payload),
			})
		}

		if err := wire.Write(conn, reply); err != nil {
			logger.Warn("Failed to write rpc reply", log.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(call *wire.RpcCall, logger log.Log) *wire.RpcResponse {
	handler, ok := s.methods[call.Method]
	if !ok {
		logger.Debug("Unknown method", log.String("method", call.Method))
		return &wire.RpcResponse{
			CallID: call.CallID,
			Err:    "method not found",
		}
	}

	result, err := handler(s.ctx, call.Params)
	if err != nil {
		return &wire.RpcResponse{
			CallID:   call.CallID,
			Err:      err.Error(),
			SchemaID: call.SchemaID,
		}
	}
	return &wire.RpcResponse{
		CallID:   call.CallID,
		OK:       true,
		Result:   result,
		SchemaID: call.SchemaID,
	}
}
