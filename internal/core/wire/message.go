package wire

import (
	"time"

	"github.com/google/uuid"
)

// ServiceKind classifies a registered endpoint.
type ServiceKind uint8

const (
	ServicePublisher ServiceKind = iota
	ServiceRPCServer
)

// ServiceKind string representation
func (k ServiceKind) String() string {
	switch k {
	case ServicePublisher:
		return "publisher"
	case ServiceRPCServer:
		return "rpc_server"
	default:
		return "unknown"
	}
}

// ServiceInfo is the registry's view of a live endpoint. SchemaID is
// advisory and may be empty.
type ServiceInfo struct {
	Name           string
	Endpoint       string
	Kind           ServiceKind
	Tags           []string
	SchemaID       string
	RegisteredAtUS uint64
}

// SubscriptionKind selects the per-subscriber delivery filter.
type SubscriptionKind uint8

const (
	SubscribeOnce SubscriptionKind = iota
	SubscribeOnChange
	SubscribePeriodic
)

// SubscriptionMode is the server-side filter a subscriber requests.
// PeriodUS is meaningful only for SubscribePeriodic.
type SubscriptionMode struct {
	Kind     SubscriptionKind
	PeriodUS uint64
}

// ModeOnce delivers the first update and nothing after it.
func ModeOnce() SubscriptionMode { return SubscriptionMode{Kind: SubscribeOnce} }

// ModeOnChange delivers only structurally distinct consecutive values.
func ModeOnChange() SubscriptionMode { return SubscriptionMode{Kind: SubscribeOnChange} }

// ModePeriodic delivers at most one value per period.
func ModePeriodic(period time.Duration) SubscriptionMode {
	return SubscriptionMode{Kind: SubscribePeriodic, PeriodUS: uint64(period.Microseconds())}
}

// Reliability selects the overflow policy for the publisher's broadcast bus.
type Reliability uint8

const (
	BestEffort Reliability = iota // drop-oldest under overflow
	Reliable                      // block the publisher under overflow
)

// Durability is declarative; no runtime path consumes it.
type Durability uint8

const (
	Volatile Durability = iota
	Persistent
)

// QosParams carries subscription quality-of-service parameters. BufferDepth
// sets the queue capacity and Reliability the overflow policy; Durability is
// declarative.
type QosParams struct {
	Reliability Reliability
	Durability  Durability
	BufferDepth uint32
}

// DefaultQos returns the default best-effort parameters.
func DefaultQos() QosParams {
	return QosParams{
		Reliability: BestEffort,
		Durability:  Volatile,
		BufferDepth: 1024,
	}
}

// Message is the framed envelope every WIND peer exchanges. TimestampUS is
// sender-local wall-clock microseconds and carries no cross-host ordering
// guarantee.
type Message struct {
	ID          uuid.UUID
	TimestampUS uint64
	Payload     Payload
}

// NewMessage wraps a payload in a fresh envelope.
func NewMessage(payload Payload) *Message {
	return &Message{
		ID:          uuid.New(),
		TimestampUS: uint64(time.Now().UnixMicro()),
		Payload:     payload,
	}
}

// Payload is the discriminated union carried by a Message.
type Payload interface {
	payloadTag() payloadTag
}

type payloadTag uint8

const (
	tagPing payloadTag = iota + 1
	tagPong
	tagHeartbeat
	tagRegisterService
	tagServiceRegistered
	tagUnregisterService
	tagServiceUnregistered
	tagDiscoverServices
	tagServicesDiscovered
	tagSubscribe
	tagSubscribeAck
	tagUnsubscribe
	tagPublish
	tagRpcCall
	tagRpcResponse
	tagError
)

type Ping struct{}

type Pong struct{}

// Heartbeat is reserved. No server handles it: the registry, RPC servers, and
// a publisher during the subscribe handshake reply with an Error payload; an
// established subscriber stream ignores it.
type Heartbeat struct{}

// RegisterService upserts a registry entry. Re-sending it for the same name
// is the heartbeat mechanism: the prior entry is replaced and its TTL reset.
type RegisterService struct {
	Name     string
	Endpoint string
	Kind     ServiceKind
	Tags     []string
	SchemaID string
	TTLSecs  uint32
}

type ServiceRegistered struct {
	Name string
}

type UnregisterService struct {
	Name string
}

type ServiceUnregistered struct {
	Name string
}

type DiscoverServices struct {
	Pattern string
}

type ServicesDiscovered struct {
	Services []ServiceInfo
}

type Subscribe struct {
	Service  string
	Mode     SubscriptionMode
	Qos      QosParams
	SchemaID string
}

// SubscribeAck acknowledges a Subscribe. CurrentValue is the publisher's
// cached last value, nil when nothing has been published yet.
type SubscribeAck struct {
	OK           bool
	CurrentValue Value
	SchemaID     string
}

type Unsubscribe struct {
	Service string
}

type Publish struct {
	Service  string
	Value    Value
	Sequence uint64
	SchemaID string
}

type RpcCall struct {
	CallID   uuid.UUID
	Service  string
	Method   string
	Params   Value
	SchemaID string
}

// RpcResponse carries the handler outcome. OK distinguishes a successful
// Result from an Err string; handler failures are response values, never
// transport errors.
type RpcResponse struct {
	CallID   uuid.UUID
	OK       bool
	Result   Value
	Err      string
	SchemaID string
}

// ProtocolError is the on-wire error payload. It doubles as a Go error so
// servers can surface a rejected request directly.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func (Ping) payloadTag() payloadTag                { return tagPing }
func (Pong) payloadTag() payloadTag                { return tagPong }
func (Heartbeat) payloadTag() payloadTag           { return tagHeartbeat }
func (*RegisterService) payloadTag() payloadTag    { return tagRegisterService }
func (*ServiceRegistered) payloadTag() payloadTag  { return tagServiceRegistered }
func (*UnregisterService) payloadTag() payloadTag  { return tagUnregisterService }
func (*ServiceUnregistered) payloadTag() payloadTag { return tagServiceUnregistered }
func (*DiscoverServices) payloadTag() payloadTag   { return tagDiscoverServices }
func (*ServicesDiscovered) payloadTag() payloadTag { return tagServicesDiscovered }
func (*Subscribe) payloadTag() payloadTag          { return tagSubscribe }
func (*SubscribeAck) payloadTag() payloadTag       { return tagSubscribeAck }
func (*Unsubscribe) payloadTag() payloadTag        { return tagUnsubscribe }
func (*Publish) payloadTag() payloadTag            { return tagPublish }
func (*RpcCall) payloadTag() payloadTag            { return tagRpcCall }
func (*RpcResponse) payloadTag() payloadTag        { return tagRpcResponse }
func (*ProtocolError) payloadTag() payloadTag      { return tagError }
