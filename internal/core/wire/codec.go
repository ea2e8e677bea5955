package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/google/uuid"
)

// MaxFrameSize is the hard cap on a single frame body.
const MaxFrameSize = 16 * 1024 * 1024

const frameHeaderSize = 4

// Encode serializes a message to its framed form: a 4-byte big-endian body
// length followed by the body. The body encoding is deterministic; map
// entries are written in sorted key order.
func Encode(msg *Message) ([]byte, error) {
	e := encoder{buf: make([]byte, frameHeaderSize, frameHeaderSize+256)}
	e.putUUID(msg.ID)
	e.putU64(msg.TimestampUS)
	if err := e.putPayload(msg.Payload); err != nil {
		return nil, err
	}

	body := len(e.buf) - frameHeaderSize
	if body > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, body)
	}
	binary.BigEndian.PutUint32(e.buf[:frameHeaderSize], uint32(body))
	return e.buf, nil
}

// Decode reads exactly one framed message from r. The length prefix is
// validated against MaxFrameSize before the body buffer is allocated.
// A clean close before the first header byte surfaces as io.EOF.
func Decode(r io.Reader) (*Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame header: %w", ErrTruncated, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %w", ErrTruncated, err)
	}

	return decodeBody(body)
}

// Write encodes msg and writes the whole frame to w.
func Write(w io.Writer, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func decodeBody(body []byte) (*Message, error) {
	d := decoder{buf: body}

	id, err := d.uuid()
	if err != nil {
		return nil, err
	}
	ts, err := d.u64()
	if err != nil {
		return nil, err
	}
	payload, err := d.payload()
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.off)
	}

	return &Message{ID: id, TimestampUS: ts, Payload: payload}, nil
}

// --- Encoder ---

type encoder struct {
	buf []byte
}

func (e *encoder) putU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putU32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) putU64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.putU8(1)
	} else {
		e.putU8(0)
	}
}

func (e *encoder) putString(s string) {
	e.putU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putByteSlice(b []byte) {
	e.putU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putUUID(id uuid.UUID) {
	e.buf = append(e.buf, id[:]...)
}

func (e *encoder) putStrings(ss []string) {
	e.putU32(uint32(len(ss)))
	for _, s := range ss {
		e.putString(s)
	}
}

func (e *encoder) putMode(m SubscriptionMode) {
	e.putU8(uint8(m.Kind))
	e.putU64(m.PeriodUS)
}

func (e *encoder) putQos(q QosParams) {
	e.putU8(uint8(q.Reliability))
	e.putU8(uint8(q.Durability))
	e.putU32(q.BufferDepth)
}

func (e *encoder) putServiceInfo(info ServiceInfo) {
	e.putString(info.Name)
	e.putString(info.Endpoint)
	e.putU8(uint8(info.Kind))
	e.putStrings(info.Tags)
	e.putString(info.SchemaID)
	e.putU64(info.RegisteredAtUS)
}

// putOptValue writes a presence flag followed by the value when present.
func (e *encoder) putOptValue(v Value) error {
	if v == nil {
		e.putU8(0)
		return nil
	}
	e.putU8(1)
	return e.putValue(v)
}

func (e *encoder) putValue(v Value) error {
	e.putU8(uint8(v.Kind()))
	switch val := v.(type) {
	case Bool:
		e.putBool(bool(val))
	case I32:
		e.putU32(uint32(val))
	case I64:
		e.putU64(uint64(val))
	case F32:
		e.putU32(math.Float32bits(float32(val)))
	case F64:
		e.putU64(math.Float64bits(float64(val)))
	case String:
		e.putString(string(val))
	case Bytes:
		e.putByteSlice(val)
	case Array:
		e.putU32(uint32(len(val)))
		for _, item := range val {
			if item == nil {
				return fmt.Errorf("%w: nil array element", ErrMalformed)
			}
			if err := e.putValue(item); err != nil {
				return err
			}
		}
	case Map:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		e.putU32(uint32(len(keys)))
		for _, key := range keys {
			if val[key] == nil {
				return fmt.Errorf("%w: nil map value for key %q", ErrMalformed, key)
			}
			e.putString(key)
			if err := e.putValue(val[key]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrMalformed, v.Kind())
	}
	return nil
}

func (e *encoder) putPayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	e.putU8(uint8(p.payloadTag()))

	switch pl := p.(type) {
	case Ping, Pong, Heartbeat:
		// no fields
	case *RegisterService:
		e.putString(pl.Name)
		e.putString(pl.Endpoint)
		e.putU8(uint8(pl.Kind))
		e.putStrings(pl.Tags)
		e.putString(pl.SchemaID)
		e.putU32(pl.TTLSecs)
	case *ServiceRegistered:
		e.putString(pl.Name)
	case *UnregisterService:
		e.putString(pl.Name)
	case *ServiceUnregistered:
		e.putString(pl.Name)
	case *DiscoverServices:
		e.putString(pl.Pattern)
	case *ServicesDiscovered:
		e.putU32(uint32(len(pl.Services)))
		for _, info := range pl.Services {
			e.putServiceInfo(info)
		}
	case *Subscribe:
		e.putString(pl.Service)
		e.putMode(pl.Mode)
		e.putQos(pl.Qos)
		e.putString(pl.SchemaID)
	case *SubscribeAck:
		e.putBool(pl.OK)
		if err := e.putOptValue(pl.CurrentValue); err != nil {
			return err
		}
		e.putString(pl.SchemaID)
	case *Unsubscribe:
		e.putString(pl.Service)
	case *Publish:
		e.putString(pl.Service)
		if err := e.putOptValue(pl.Value); err != nil {
			return err
		}
		e.putU64(pl.Sequence)
		e.putString(pl.SchemaID)
	case *RpcCall:
		e.putUUID(pl.CallID)
		e.putString(pl.Service)
		e.putString(pl.Method)
		if err := e.putOptValue(pl.Params); err != nil {
			return err
		}
		e.putString(pl.SchemaID)
	case *RpcResponse:
		e.putUUID(pl.CallID)
		e.putBool(pl.OK)
		if err := e.putOptValue(pl.Result); err != nil {
			return err
		}
		e.putString(pl.Err)
		e.putString(pl.SchemaID)
	case *ProtocolError:
		e.putString(pl.Code)
		e.putString(pl.Message)
	default:
		return fmt.Errorf("%w: unknown payload tag %d", ErrMalformed, p.payloadTag())
	}
	return nil
}

// --- Decoder ---

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) u8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool byte %d", ErrMalformed, v)
	}
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if int(n) > d.remaining() {
		return "", ErrTruncated
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) byteSlice() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.remaining() {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return b, nil
}

func (d *decoder) uuid() (uuid.UUID, error) {
	var id uuid.UUID
	if d.remaining() < len(id) {
		return id, ErrTruncated
	}
	copy(id[:], d.buf[d.off:])
	d.off += len(id)
	return id, nil
}

func (d *decoder) strings() ([]string, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.remaining() {
		return nil, ErrTruncated
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *decoder) mode() (SubscriptionMode, error) {
	kind, err := d.u8()
	if err != nil {
		return SubscriptionMode{}, err
	}
	if kind > uint8(SubscribePeriodic) {
		return SubscriptionMode{}, fmt.Errorf("%w: invalid subscription mode %d", ErrMalformed, kind)
	}
	period, err := d.u64()
	if err != nil {
		return SubscriptionMode{}, err
	}
	return SubscriptionMode{Kind: SubscriptionKind(kind), PeriodUS: period}, nil
}

func (d *decoder) qos() (QosParams, error) {
	rel, err := d.u8()
	if err != nil {
		return QosParams{}, err
	}
	dur, err := d.u8()
	if err != nil {
		return QosParams{}, err
	}
	depth, err := d.u32()
	if err != nil {
		return QosParams{}, err
	}
	return QosParams{
		Reliability: Reliability(rel),
		Durability:  Durability(dur),
		BufferDepth: depth,
	}, nil
}

func (d *decoder) serviceKind() (ServiceKind, error) {
	kind, err := d.u8()
	if err != nil {
		return 0, err
	}
	if kind > uint8(ServiceRPCServer) {
		return 0, fmt.Errorf("%w: invalid service kind %d", ErrMalformed, kind)
	}
	return ServiceKind(kind), nil
}

func (d *decoder) serviceInfo() (ServiceInfo, error) {
	var info ServiceInfo
	var err error
	if info.Name, err = d.str(); err != nil {
		return info, err
	}
	if info.Endpoint, err = d.str(); err != nil {
		return info, err
	}
	if info.Kind, err = d.serviceKind(); err != nil {
		return info, err
	}
	if info.Tags, err = d.strings(); err != nil {
		return info, err
	}
	if info.SchemaID, err = d.str(); err != nil {
		return info, err
	}
	if info.RegisteredAtUS, err = d.u64(); err != nil {
		return info, err
	}
	return info, nil
}

func (d *decoder) optValue() (Value, error) {
	present, err := d.boolean()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return d.value()
}

func (d *decoder) value() (Value, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch Kind(tag) {
	case KindBool:
		b, err := d.boolean()
		if err != nil {
			return nil, err
		}
		return Bool(b), nil
	case KindI32:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		return I32(int32(v)), nil
	case KindI64:
		v, err := d.u64()
		if err != nil {
			return nil, err
		}
		return I64(int64(v)), nil
	case KindF32:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		return F32(math.Float32frombits(v)), nil
	case KindF64:
		v, err := d.u64()
		if err != nil {
			return nil, err
		}
		return F64(math.Float64frombits(v)), nil
	case KindString:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case KindBytes:
		b, err := d.byteSlice()
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil
	case KindArray:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.remaining() {
			return nil, ErrTruncated
		}
		arr := make(Array, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case KindMap:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.remaining() {
			return nil, ErrTruncated
		}
		m := make(Map, n)
		for i := uint32(0); i < n; i++ {
			key, err := d.str()
			if err != nil {
				return nil, err
			}
			val, err := d.value()
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown value tag %d", ErrMalformed, tag)
	}
}

func (d *decoder) payload() (Payload, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch payloadTag(tag) {
	case tagPing:
		return Ping{}, nil
	case tagPong:
		return Pong{}, nil
	case tagHeartbeat:
		return Heartbeat{}, nil
	case tagRegisterService:
		pl := &RegisterService{}
		if pl.Name, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Endpoint, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Kind, err = d.serviceKind(); err != nil {
			return nil, err
		}
		if pl.Tags, err = d.strings(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		if pl.TTLSecs, err = d.u32(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagServiceRegistered:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		return &ServiceRegistered{Name: name}, nil
	case tagUnregisterService:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		return &UnregisterService{Name: name}, nil
	case tagServiceUnregistered:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		return &ServiceUnregistered{Name: name}, nil
	case tagDiscoverServices:
		pattern, err := d.str()
		if err != nil {
			return nil, err
		}
		return &DiscoverServices{Pattern: pattern}, nil
	case tagServicesDiscovered:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.remaining() {
			return nil, ErrTruncated
		}
		pl := &ServicesDiscovered{Services: make([]ServiceInfo, 0, n)}
		for i := uint32(0); i < n; i++ {
			info, err := d.serviceInfo()
			if err != nil {
				return nil, err
			}
			pl.Services = append(pl.Services, info)
		}
		return pl, nil
	case tagSubscribe:
		pl := &Subscribe{}
		if pl.Service, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Mode, err = d.mode(); err != nil {
			return nil, err
		}
		if pl.Qos, err = d.qos(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagSubscribeAck:
		pl := &SubscribeAck{}
		if pl.OK, err = d.boolean(); err != nil {
			return nil, err
		}
		if pl.CurrentValue, err = d.optValue(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagUnsubscribe:
		service, err := d.str()
		if err != nil {
			return nil, err
		}
		return &Unsubscribe{Service: service}, nil
	case tagPublish:
		pl := &Publish{}
		if pl.Service, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Value, err = d.optValue(); err != nil {
			return nil, err
		}
		if pl.Sequence, err = d.u64(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagRpcCall:
		pl := &RpcCall{}
		if pl.CallID, err = d.uuid(); err != nil {
			return nil, err
		}
		if pl.Service, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Method, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Params, err = d.optValue(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagRpcResponse:
		pl := &RpcResponse{}
		if pl.CallID, err = d.uuid(); err != nil {
			return nil, err
		}
		if pl.OK, err = d.boolean(); err != nil {
			return nil, err
		}
		if pl.Result, err = d.optValue(); err != nil {
			return nil, err
		}
		if pl.Err, err = d.str(); err != nil {
			return nil, err
		}
		if pl.SchemaID, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	case tagError:
		pl := &ProtocolError{}
		if pl.Code, err = d.str(); err != nil {
			return nil, err
		}
		if pl.Message, err = d.str(); err != nil {
			return nil, err
		}
		return pl, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload tag %d", ErrMalformed, tag)
	}
}
