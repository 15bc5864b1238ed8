package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petal-labs/mcpfleet/tool"
)

// ProtocolVersion is the MCP revision offered during the handshake.
const ProtocolVersion = "2025-06-18"

// InitializeResult is the tool's reply to the MCP initialize request.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]any      `json:"capabilities,omitempty"`
	ServerInfo      *mcp.Implementation `json:"serverInfo,omitempty"`
	Instructions    string              `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]any      `json:"capabilities"`
	ClientInfo      *mcp.Implementation `json:"clientInfo"`
}

// Call sends method through t and returns the result payload. JSON-RPC error
// replies become non-retryable ProtocolErrors.
func Call(ctx context.Context, t Transport, method string, params any, origin string) (json.RawMessage, error) {
	deadline, _ := ctx.Deadline()
	env, err := NewEnvelope(method, params, origin, deadline)
	if err != nil {
		return nil, err
	}
	resp, err := t.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, RPCErrorToToolError(method, resp.Error)
	}
	return resp.Payload(), nil
}

// RPCErrorToToolError maps a JSON-RPC error reply onto the fleet taxonomy.
func RPCErrorToToolError(method string, rpcErr *RPCError) *tool.ToolError {
	return tool.NewError(tool.KindProtocol, fmt.Sprintf("%s: %s", method, rpcErr.Message), false, rpcErr).
		WithDetails(map[string]any{"rpc_code": rpcErr.Code})
}

// Initialize performs the MCP handshake: initialize followed by the
// notifications/initialized notification.
func Initialize(ctx context.Context, t Transport, client mcp.Implementation) (InitializeResult, error) {
	payload, err := Call(ctx, t, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      &client,
	}, OriginHandshake)
	if err != nil {
		return InitializeResult{}, err
	}

	var result InitializeResult
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &result); err != nil {
			return InitializeResult{}, tool.NewError(tool.KindProtocol, "decode initialize result", false, err)
		}
	}
	if err := t.Notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// ListTools queries tools/list and decodes the advertised tools.
func ListTools(ctx context.Context, t Transport, origin string) ([]*mcp.Tool, error) {
	payload, err := Call(ctx, t, "tools/list", map[string]any{}, origin)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []*mcp.Tool `json:"tools"`
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, tool.NewError(tool.KindProtocol, "decode tools/list result", false, err)
	}
	return result.Tools, nil
}

// Probe issues a capability query and reports its latency. A JSON-RPC error
// reply still proves the tool is alive and is not treated as a failure.
func Probe(ctx context.Context, t Transport) (time.Duration, error) {
	start := time.Now()
	_, err := Call(ctx, t, "tools/list", map[string]any{}, OriginHealth)
	latency := time.Since(start)
	if err != nil && tool.IsKind(err, tool.KindProtocol) {
		if _, isRPC := asRPCError(err); isRPC {
			return latency, nil
		}
	}
	return latency, err
}

func asRPCError(err error) (*RPCError, bool) {
	toolErr, ok := tool.AsToolError(err)
	if !ok {
		return nil, false
	}
	rpcErr, ok := toolErr.Cause.(*RPCError)
	return rpcErr, ok
}

// IsRPCError reports whether err is a JSON-RPC error reply from the tool.
func IsRPCError(err error) bool {
	_, ok := asRPCError(err)
	return ok
}
