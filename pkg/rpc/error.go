package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Connector error messages
var (
	// Connection errors
	ErrConnectionClosed  = fmt.Errorf("connection closed")
	ErrDialingWebsocket  = fmt.Errorf("error dialing websocket server")
	ErrReadingMessage    = fmt.Errorf("error reading message")
	ErrSendingPing       = fmt.Errorf("error sending ping")
	ErrConnectionTimeout = fmt.Errorf("connection timeout")

	// Request errors
	ErrMarshalingRequest = fmt.Errorf("error marshaling request")
	ErrSendingRequest    = fmt.Errorf("error sending request")
	ErrNoResponse        = fmt.Errorf("no response received")

	// Endpoint and channel errors
	ErrInvalidEndpoint    = fmt.Errorf("invalid endpoint")
	ErrUnsupportedScheme  = fmt.Errorf("unsupported endpoint scheme")
	ErrInvalidChannelTag  = fmt.Errorf("invalid channel tag")
	ErrCallbackPanic      = fmt.Errorf("channel callback panicked")
	ErrSubscriptionFailed = fmt.Errorf("subscription failed")
)

// ConnectionError reports that the transport could not be established or was
// lost while a request was outstanding. Every request pending at the moment a
// connection drops fails with one of these.
type ConnectionError struct {
	// Op names the step that failed: "dial", "read", "write", "post", "ping" or "close".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ResponseError is returned by the HTTP connector for a non-2xx status.
type ResponseError struct {
	StatusCode int
	// Status is the reason phrase as reported by net/http, e.g. "502 Bad Gateway".
	Status string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("received status code: %d (%s)", e.StatusCode, e.Status)
}

// RPCError carries a JSON-RPC error object exactly as the node sent it.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a frame that matches no known envelope shape.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func newProtocolError(frame []byte, err error) *ProtocolError {
	return &ProtocolError{Frame: frame, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// AsRPCError returns the *RPCError in err's chain, if any.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func isResponseError(err error) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr)
}

func isProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
