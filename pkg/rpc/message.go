package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every request.
const Version = "2.0"

const (
	// channelValueMethod carries a value pushed on an open channel: params are [tag, payload].
	channelValueMethod = "xrpc.ch.val"
	// channelCloseMethod tells the client the node closed a channel: params are [tag].
	channelCloseMethod = "xrpc.ch.close"
)

// Request is the JSON-RPC 2.0 request envelope.
//
// The JSON representation is:
//
//	{"jsonrpc":"2.0","method":"Filecoin.Version","params":[],"id":1}
//
// A nil Params slice encodes as null, an empty one as [].
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// NewRequest builds a request envelope. Ids are assigned by the connector.
func NewRequest(id uint64, method string, params []any) Request {
	return Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// EncodeRequest serializes req for the wire.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}
	return data, nil
}

// ErrorObject is the "error" member of a failed response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a decoded response envelope. Exactly one of Result and Error
// is meaningful: Error non-nil marks a failure, otherwise Result holds the
// raw result (which may be the literal null).
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// RequestID returns the numeric id of the response. ok is false when the id
// is absent, null or not an unsigned integer.
func (r Response) RequestID() (id uint64, ok bool) {
	if len(r.ID) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(string(r.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Err converts a failed response into an *RPCError, or returns nil.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &RPCError{
		Code:    r.Error.Code,
		Message: r.Error.Message,
		Data:    r.Error.Data,
	}
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// FrameResponse answers a request; Frame.Response is set.
	FrameResponse FrameKind = iota + 1
	// FramePush delivers a value for a channel; Frame.Tag and Frame.Payload are set.
	FramePush
	// FrameChannelClose reports that the node closed a channel; Frame.Tag is set.
	FrameChannelClose
	// FrameNotification is any other server notification; Frame.Method is set.
	FrameNotification
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FramePush:
		return "push"
	case FrameChannelClose:
		return "channel-close"
	case FrameNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound message.
type Frame struct {
	Kind     FrameKind
	Response Response
	Tag      string
	Payload  json.RawMessage
	Method   string
}

// envelope is the union of every object-shaped frame field.
type envelope struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  json.RawMessage   `json:"error"`
}

// DecodeFrame decodes a single inbound frame. Accepted shapes:
//
//	{"jsonrpc":"2.0","result":...,"id":1}                  response
//	{"jsonrpc":"2.0","error":{...},"id":1}                 response
//	{"jsonrpc":"2.0","method":"xrpc.ch.val","params":[t,v]} push
//	{"jsonrpc":"2.0","method":"xrpc.ch.close","params":[t]} channel close
//	[t, v]                                                 push
//
// Anything else yields a *ProtocolError.
func DecodeFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{}, newProtocolError(data, fmt.Errorf("empty frame"))
	}

	if trimmed[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return Frame{}, newProtocolError(data, err)
		}
		if len(pair) != 2 {
			return Frame{}, newProtocolError(data, fmt.Errorf("push frame has %d elements, want 2", len(pair)))
		}
		tag, err := TagFromResult(pair[0])
		if err != nil {
			return Frame{}, newProtocolError(data, err)
		}
		return Frame{Kind: FramePush, Tag: tag, Payload: pair[1]}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Frame{}, newProtocolError(data, err)
	}

	hasID := len(env.ID) > 0 && !isNull(env.ID)
	hasError := len(env.Error) > 0 && !isNull(env.Error)
	if hasID && (env.Result != nil || hasError) {
		res := Response{ID: env.ID, Result: env.Result}
		if hasError {
			var obj ErrorObject
			if err := json.Unmarshal(env.Error, &obj); err != nil {
				return Frame{}, newProtocolError(data, fmt.Errorf("error member: %w", err))
			}
			res.Error = &obj
		}
		return Frame{Kind: FrameResponse, Response: res}, nil
	}

	switch env.Method {
	case "":
		return Frame{}, newProtocolError(data, fmt.Errorf("frame is neither a response nor a notification"))
	case channelValueMethod:
		if len(env.Params) != 2 {
			return Frame{}, newProtocolError(data, fmt.Errorf("%s expects 2 params, got %d", channelValueMethod, len(env.Params)))
		}
		tag, err := TagFromResult(env.Params[0])
		if err != nil {
			return Frame{}, newProtocolError(data, err)
		}
		return Frame{Kind: FramePush, Tag: tag, Payload: env.Params[1], Method: env.Method}, nil
	case channelCloseMethod:
		if len(env.Params) < 1 {
			return Frame{}, newProtocolError(data, fmt.Errorf("%s expects a channel tag", channelCloseMethod))
		}
		tag, err := TagFromResult(env.Params[0])
		if err != nil {
			return Frame{}, newProtocolError(data, err)
		}
		return Frame{Kind: FrameChannelClose, Tag: tag, Method: env.Method}, nil
	default:
		return Frame{Kind: FrameNotification, Method: env.Method}, nil
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// TagFromResult extracts a channel tag from a raw JSON value: a string
// yields its contents, an integer its decimal text. Other shapes are rejected.
func TagFromResult(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty value", ErrInvalidChannelTag)
	}

	switch raw[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidChannelTag, err)
		}
		if tag == "" {
			return "", fmt.Errorf("%w: empty string", ErrInvalidChannelTag)
		}
		return tag, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidChannelTag, string(raw))
		}
		if _, err := n.Int64(); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidChannelTag, string(raw))
		}
		return n.String(), nil
	}
}
