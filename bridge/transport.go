package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/petal-labs/mcpfleet/tool"
)

// Transport carries envelopes to one tool instance and returns the
// correlated reply. A JSON-RPC error reply is returned as a Response, not as
// an error; errors are reserved for transport-level failures.
type Transport interface {
	Kind() tool.ConnectionType
	Send(ctx context.Context, env *Envelope) (*Response, error)
	Notify(ctx context.Context, method string, params any) error
	Close(ctx context.Context) error
	// Done is closed once the transport can no longer carry requests.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
}

// DialOptions configures network transports.
type DialOptions struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Headers    map[string]string
}

// Dial opens the network transport for def. stdio transports are built by the
// process manager around the child's pipes instead.
func Dial(ctx context.Context, def tool.Definition, opts DialOptions) (Transport, error) {
	switch def.ConnectionType {
	case tool.ConnectionHTTP:
		return NewHTTPTransport(HTTPConfig{
			Endpoint: def.Endpoint(),
			Headers:  opts.Headers,
			Client:   opts.HTTPClient,
			Logger:   opts.Logger,
		})
	case tool.ConnectionWebSocket:
		return DialWebSocket(ctx, WebSocketConfig{
			Endpoint: def.Endpoint(),
			Logger:   opts.Logger,
		})
	default:
		return nil, tool.Errorf(tool.KindConfig, "tool %q: connection type %q cannot be dialed", def.Name, def.ConnectionType)
	}
}

func loggerOrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log
}

func crashError(message string, cause error) *tool.ToolError {
	return tool.NewError(tool.KindProcessCrash, message, true, cause)
}

func closedError(kind tool.ConnectionType) *tool.ToolError {
	return crashError(fmt.Sprintf("%s transport is closed", kind), nil)
}
