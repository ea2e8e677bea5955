package wire

import "errors"

// Framing and codec errors
var (
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
	ErrTruncated       = errors.New("truncated frame")
	ErrMalformed       = errors.New("malformed frame")
	ErrTypeMismatch    = errors.New("value type mismatch")
)

// Stable error codes carried in ProtocolError payloads.
const (
	CodeMessageTooLarge       = "MESSAGE_TOO_LARGE"
	CodeTruncated             = "TRUNCATED"
	CodeMalformed             = "MALFORMED"
	CodeUnsupportedPayload    = "UNSUPPORTED_PAYLOAD"
	CodeUnsupportedOnRegistry = "UNSUPPORTED_ON_REGISTRY"
)
