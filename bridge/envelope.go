package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/petal-labs/mcpfleet/tool"
)

// Origins name the caller-facing surface an envelope came from.
const (
	OriginAPI       = "api"
	OriginCLI       = "cli"
	OriginHealth    = "health"
	OriginHandshake = "handshake"
)

// Envelope is the normalized form of one inbound call. The transport assigns
// ID when it is zero; ids are never reused on a connection.
type Envelope struct {
	ID        int64
	TraceID   string
	Method    string
	Params    json.RawMessage
	Origin    string
	Submitted time.Time
	Deadline  time.Time
}

// NewEnvelope normalizes a call. params may be nil, a json.RawMessage, or any
// JSON-encodable value.
func NewEnvelope(method string, params any, origin string, deadline time.Time) (*Envelope, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, tool.NewError(tool.KindProtocol, fmt.Sprintf("encode params for %q", method), false, err)
	}
	if origin == "" {
		origin = OriginAPI
	}
	return &Envelope{
		TraceID:   ulid.Make().String(),
		Method:    method,
		Params:    raw,
		Origin:    origin,
		Submitted: time.Now(),
		Deadline:  deadline,
	}, nil
}

func (e *Envelope) message() Message {
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      int64Ptr(e.ID),
		Method:  e.Method,
		Params:  e.Params,
	}
}

func (e *Envelope) encode() ([]byte, error) {
	data, err := json.Marshal(e.message())
	if err != nil {
		return nil, tool.NewError(tool.KindProtocol, fmt.Sprintf("encode request %q", e.Method), false, err)
	}
	return data, nil
}

// Response is the correlated reply to an Envelope. For stdio tools Result is
// the JSON-RPC result member. Network transports pass the tool's body through
// untouched, so Result holds the whole body and Framed is true.
type Response struct {
	ID       int64
	Result   json.RawMessage
	Error    *RPCError
	Framed   bool
	Received time.Time
}

// Payload returns the JSON-RPC result member, unwrapping passthrough bodies
// when they are JSON-RPC frames.
func (r *Response) Payload() json.RawMessage {
	if r == nil {
		return nil
	}
	if !r.Framed {
		return r.Result
	}
	var frame Message
	if err := json.Unmarshal(r.Result, &frame); err == nil && frame.JSONRPC != "" && len(frame.Result) > 0 {
		return frame.Result
	}
	return r.Result
}

func encodeParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		return v, nil
	case []byte:
		return encodeParams(json.RawMessage(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
