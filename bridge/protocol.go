package bridge

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only JSON-RPC version tools are spoken to in.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope. ID is nil for notifications.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether m answers an earlier request.
func (m Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsRequest reports whether m is a request that expects a reply.
func (m Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether m is a one-way notification.
func (m Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func int64Ptr(v int64) *int64 {
	return &v
}
