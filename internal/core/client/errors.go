package client

import "errors"

// Client errors
var (
	ErrConnectExhausted   = errors.New("connect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")
	ErrTimeout            = errors.New("operation timed out")
	ErrServiceNotFound    = errors.New("service not found")
	ErrUnexpectedReply    = errors.New("unexpected reply payload")
	ErrSubscriptionClosed = errors.New("subscription closed")

	// Registration errors, surfaced by publisher and RPC server startup.
	ErrRegistryUnreachable = errors.New("registry unreachable")
	ErrRegistryRejected    = errors.New("registry rejected registration")
)

// HandlerError is a remote RPC handler failure. It travels inside
// RpcResponse, so the connection that carried it is still healthy.
type HandlerError struct {
	Service string
	Method  string
	Message string
}

func (e *HandlerError) Error() string {
	return "rpc " + e.Service + "." + e.Method + ": " + e.Message
}
