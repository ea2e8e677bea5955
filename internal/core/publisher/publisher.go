package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/windlabs/wind/internal/core/client"
	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

// Publisher errors
var (
	ErrAlreadyRunning = errors.New("publisher already running")
	ErrNotRunning     = errors.New("publisher not running")
)

const subscribeHandshakeTimeout = 5 * time.Second

// Config holds one publisher's settings.
type Config struct {
	Name     string
	Bind     string
	Registry string
	TTL      time.Duration
	// HeartbeatInterval defaults to TTL/3 when zero.
	HeartbeatInterval time.Duration
	Qos               wire.QosParams
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
	if c.Qos.BufferDepth == 0 {
		c.Qos.BufferDepth = wire.DefaultQos().BufferDepth
	}
}

type update struct {
	value wire.Value
	seq   uint64
}

// Publisher serves one named value stream: it registers with the registry,
// accepts direct subscriber connections, and fans published updates out
// through per-subscriber delivery-mode filters.
type Publisher struct {
	config    Config
	logger    log.Log
	registrar *client.Registrar

	listener net.Listener
	endpoint string

	currentMu    sync.RWMutex
	currentValue wire.Value

	sequence atomic.Uint64

	bus chan update

	slotsMu sync.RWMutex
	slots   map[string]*slot

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a publisher. Nothing happens until Start.
func New(config Config, logger log.Log) *Publisher {
	config.applyDefaults()
	return &Publisher{
		config: config,
		logger: logger.With(
			log.String("component", "publisher"),
			log.String("service", config.Name)),
		bus:   make(chan update, config.Qos.BufferDepth),
		slots: make(map[string]*slot),
	}
}

// Start binds the listener, registers with the registry (failing fast when
// the registry is unreachable or rejects the name), and spawns the accept,
// update-sender, and heartbeat loops.
func (p *Publisher) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", p.config.Bind)
	if err != nil {
		atomic.StoreInt32(&p.running, 0)
		return fmt.Errorf("failed to bind publisher listener: %w", err)
	}
	p.listener = listener
	p.endpoint = listener.Addr().String()
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.registrar = client.NewRegistrar(p.config.Registry, p.logger)
	if err := p.registrar.Register(p.ctx, p.registration()); err != nil {
		_ = listener.Close()
		_ = p.registrar.Close()
		p.cancel()
		atomic.StoreInt32(&p.running, 0)
		return err
	}

	p.logger.Info("Publisher started",
		log.String("endpoint", p.endpoint),
		log.Duration("ttl", p.config.TTL),
		log.Duration("heartbeat", p.config.HeartbeatInterval))

	p.wg.Add(3)
	go p.acceptLoop()
	go p.updateSenderLoop()
	go func() {
		defer p.wg.Done()
		p.registrar.Heartbeat(p.ctx, p.config.HeartbeatInterval, p.registration())
	}()

	return nil
}

func (p *Publisher) registration() *wire.RegisterService {
	return &wire.RegisterService{
		Name:     p.config.Name,
		Endpoint: p.endpoint,
		Kind:     wire.ServicePublisher,
		Tags:     p.config.Tags,
		SchemaID: p.config.SchemaID,
		TTLSecs:  uint32(p.config.TTL / time.Second),
	}
}

// Endpoint returns the bound address once Start has succeeded.
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish caches v as the current value, stamps the next sequence number,
// and pushes the update onto the broadcast bus. Under BestEffort a full bus
// sheds its oldest update; under Reliable the call blocks for capacity.
func (p *Publisher) Publish(ctx context.Context, value wire.Value) error {
	if atomic.LoadInt32(&p.running) != 1 {
		return ErrNotRunning
	}

	p.currentMu.Lock()
	p.currentValue = value
	p.currentMu.Unlock()

	u := update{value: value, seq: p.sequence.Add(1)}

	if p.config.Qos.Reliability == wire.Reliable {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrNotRunning
		case p.bus <- u:
			return nil
		}
	}

	for {
		select {
		case p.bus <- u:
			return nil
		default:
		}
		// Bus full: shed the oldest undelivered update.
		select {
		case <-p.bus:
		default:
		}
	}
}

// CurrentValue returns the last published value, if any.
func (p *Publisher) CurrentValue() (wire.Value, bool) {
	p.currentMu.RLock()
	defer p.currentMu.RUnlock()
	return p.currentValue, p.currentValue != nil
}

// Sequence returns the number of Publish calls so far.
func (p *Publisher) Sequence() uint64 {
	return p.sequence.Load()
}

// SubscriberCount returns the number of live subscriber slots.
func (p *Publisher) SubscriberCount() int {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	return len(p.slots)
}

// Close stops all loops, disconnects subscribers, and unregisters from the
// registry best-effort.
func (p *Publisher) Close() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return ErrNotRunning
	}

	p.cancel()
	err := p.listener.Close()

	p.slotsMu.Lock()
	for id, s := range p.slots {
		s.close()
		delete(p.slots, id)
	}
	p.slotsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if uerr := p.registrar.Unregister(ctx, p.config.Name); uerr != nil {
		p.logger.Debug("Unregister failed on shutdown", log.Error(uerr))
	}
	_ = p.registrar.Close()

	p.wg.Wait()
	p.logger.Info("Publisher stopped", log.Uint64("published", p.sequence.Load()))
	return err
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("Accept failed", log.Error(err))
			continue
		}

		p.wg.Add(1)
		go p.handleSubscriber(conn)
	}
}

// updateSenderLoop drains the broadcast bus and applies each subscriber's
// delivery-mode filter. It is the sole mutator of slot filter state, so the
// sequence numbers any single subscriber observes are strictly increasing.
func (p *Publisher) updateSenderLoop() {
	defer p.wg.Done()

	for {
		var u update
		select {
		case <-p.ctx.Done():
			return
		case u = <-p.bus:
		}

		p.slotsMu.RLock()
		snapshot := make([]*slot, 0, len(p.slots))
		for _, s := range p.slots {
			snapshot = append(snapshot, s)
		}
		p.slotsMu.RUnlock()

		now := time.Now()
		for _, s := range snapshot {
			if !s.shouldSend(now, u.value) {
				continue
			}

			msg := wire.NewMessage(&wire.Publish{
				Service:  p.config.Name,
				Value:    u.value,
				Sequence: u.seq,
				SchemaID: p.config.SchemaID,
			})
			if s.enqueue(msg) {
				s.markSent(now, u.value)
			}
		}
	}
}

// handleSubscriber performs the Subscribe handshake, then splits the socket
// into a writer draining the slot queue and a reader watching for
// Unsubscribe or disconnect.
func (p *Publisher) handleSubscriber(conn net.Conn) {
	defer p.wg.Done()

	logger := p.logger.With(log.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetReadDeadline(time.Now().Add(subscribeHandshakeTimeout))
	msg, err := wire.Decode(conn)
	if err != nil {
		logger.Debug("Handshake read failed", log.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub, ok := msg.Payload.(*wire.Subscribe)
	if !ok {
		_ = wire.Write(conn, wire.NewMessage(&wire.ProtocolError{
			Code:    wire.CodeUnsupportedPayload,
			Message: fmt.Sprintf("expected Subscribe, got %T", msg.Payload),
		}))
		_ = conn.Close()
		return
	}

	s := newSlot(uuid.NewString(), conn, sub.Mode, sub.Qos)

	// Register the slot before acking so no update published after the ack
	// can be missed. Queued frames only reach the socket once the writer
	// starts below, so the ack is always first on the wire.
	p.slotsMu.Lock()
	p.slots[s.id] = s
	p.slotsMu.Unlock()

	current, _ := p.CurrentValue()
	ack := &wire.SubscribeAck{OK: true, CurrentValue: current, SchemaID: p.config.SchemaID}
	if err := wire.Write(conn, wire.NewMessage(ack)); err != nil {
		logger.Warn("Failed to send SubscribeAck", log.Error(err))
		p.removeSlot(s)
		return
	}

	logger.Info("Subscriber joined",
		log.String("slot", s.id),
		log.Uint32("buffer_depth", s.qos.BufferDepth))

	p.wg.Add(1)
	go p.slotWriter(s, logger)

	p.slotReader(s, logger)
}

// slotWriter drains the slot's queue onto the socket.
func (p *Publisher) slotWriter(s *slot, logger log.Log) {
	defer p.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.writerCh:
			if err := wire.Write(s.conn, msg); err != nil {
				logger.Debug("Subscriber write failed", log.Error(err))
				p.removeSlot(s)
				return
			}
		}
	}
}

// slotReader consumes subscriber-initiated frames. Only Unsubscribe and
// connection close are actionable.
func (p *Publisher) slotReader(s *slot, logger log.Log) {
	defer p.removeSlot(s)

	for {
		msg, err := wire.Decode(s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				logger.Debug("Subscriber read loop ended", log.Error(err))
			}
			return
		}

		switch msg.Payload.(type) {
		case *wire.Unsubscribe:
			logger.Info("Subscriber unsubscribed", log.String("slot", s.id))
			return
		default:
			logger.Debug("Ignoring unexpected subscriber payload",
				log.Any("payload", fmt.Sprintf("%T", msg.Payload)))
		}
	}
}

func (p *Publisher) removeSlot(s *slot) {
	p.slotsMu.Lock()
	delete(p.slots, s.id)
	p.slotsMu.Unlock()
	s.close()
}
