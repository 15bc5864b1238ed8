package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/mcpfleet/tool"
)

const maxHTTPResponseBytes = 32 * 1024 * 1024

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
	Logger   *slog.Logger
}

// HTTPTransport proxies envelopes to a tool's own HTTP endpoint. The response
// body is passed through as-is; only the correlation and deadline handling
// are shared with the other transports.
type HTTPTransport struct {
	cfg     HTTPConfig
	log     *slog.Logger
	pending *correlator

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewHTTPTransport creates an endpoint-backed transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, tool.Errorf(tool.KindConfig, "http endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	log := loggerOrDefault(cfg.Logger).With("transport", tool.ConnectionHTTP, "endpoint", cfg.Endpoint)
	return &HTTPTransport{
		cfg:     cfg,
		log:     log,
		pending: newCorrelator(log),
		done:    make(chan struct{}),
	}, nil
}

func (t *HTTPTransport) Kind() tool.ConnectionType { return tool.ConnectionHTTP }

// Send posts env as a JSON-RPC request and returns the body of the reply.
func (t *HTTPTransport) Send(ctx context.Context, env *Envelope) (*Response, error) {
	ctx, cancel := withEnvelopeDeadline(ctx, env)
	defer cancel()

	if env.ID == 0 {
		env.ID = t.pending.next()
	}
	ch, err := t.pending.register(env.ID)
	if err != nil {
		return nil, err
	}
	body, err := env.encode()
	if err != nil {
		t.pending.abandon(env.ID)
		return nil, err
	}

	go func() {
		resp, err := t.post(ctx, body)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.pending.deliver(env.ID, delivery{err: err})
			return
		}
		resp.ID = env.ID
		t.pending.deliver(env.ID, delivery{resp: resp})
	}()
	return t.pending.await(ctx, env, ch)
}

// Notify posts a notification and discards the body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return tool.NewError(tool.KindProtocol, "encode notification params", false, err)
	}
	body, err := json.Marshal(Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
	if err != nil {
		return tool.NewError(tool.KindProtocol, "encode notification", false, err)
	}
	_, err = t.post(ctx, body)
	return err
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*Response, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, closedError(tool.ConnectionHTTP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, tool.NewError(tool.KindConfig, "build http request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	httpResp, err := t.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crashError("http request to tool failed", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crashError("read http response from tool", err)
	}

	switch code := httpResp.StatusCode; {
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return nil, crashError(fmt.Sprintf("tool endpoint returned status %d", code), nil).
			WithDetails(map[string]any{"status": code})
	case code < http.StatusOK || code >= http.StatusMultipleChoices:
		return nil, tool.Errorf(tool.KindProtocol, "tool endpoint returned status %d", code).
			WithDetails(map[string]any{"status": code, "body": previewBody(data)})
	}

	resp := &Response{Result: data, Framed: true, Received: time.Now()}
	if len(bytes.TrimSpace(data)) == 0 {
		resp.Result = json.RawMessage("null")
		return resp, nil
	}
	resp.Error = frameError(data)
	return resp, nil
}

// Close marks the transport closed and fails outstanding requests.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.pending.fail(closedError(tool.ConnectionHTTP))
	close(t.done)
	return nil
}

func (t *HTTPTransport) Done() <-chan struct{} { return t.done }

func (t *HTTPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return closedError(tool.ConnectionHTTP)
	}
	return nil
}

// frameError surfaces the error member of a passthrough body that happens to
// be a JSON-RPC frame.
func frameError(data []byte) *RPCError {
	var frame struct {
		JSONRPC string    `json:"jsonrpc"`
		Error   *RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.JSONRPC == "" {
		return nil
	}
	return frame.Error
}

func previewBody(data []byte) string {
	text := string(data)
	if len(text) > logLinePreview {
		text = text[:logLinePreview] + "..."
	}
	return text
}

var _ Transport = (*HTTPTransport)(nil)
