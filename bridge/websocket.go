package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/petal-labs/mcpfleet/tool"
)

const defaultWebSocketOrigin = "http://localhost/"

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	Endpoint string
	Origin   string
	Logger   *slog.Logger
}

// WebSocketTransport exchanges JSON-RPC text frames with a tool over one
// WebSocket connection. Reply frames are correlated by their id member and
// passed through untouched.
type WebSocketTransport struct {
	log     *slog.Logger
	conn    *websocket.Conn
	pending *correlator

	writeMu sync.Mutex
	closed  bool

	done  chan struct{}
	errMu sync.Mutex
	fatal error
}

// DialWebSocket connects to cfg.Endpoint and starts the read loop.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, tool.Errorf(tool.KindConfig, "websocket endpoint is required")
	}
	origin := cfg.Origin
	if origin == "" {
		origin = defaultWebSocketOrigin
	}
	wsCfg, err := websocket.NewConfig(cfg.Endpoint, origin)
	if err != nil {
		return nil, tool.NewError(tool.KindConfig, "invalid websocket endpoint", false, err)
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, crashError("dial tool websocket", err)
	}

	log := loggerOrDefault(cfg.Logger).With("transport", tool.ConnectionWebSocket, "endpoint", cfg.Endpoint)
	t := &WebSocketTransport{
		log:     log,
		conn:    conn,
		pending: newCorrelator(log),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) Kind() tool.ConnectionType { return tool.ConnectionWebSocket }

// Send writes env as a text frame and waits for the frame carrying its id.
func (t *WebSocketTransport) Send(ctx context.Context, env *Envelope) (*Response, error) {
	ctx, cancel := withEnvelopeDeadline(ctx, env)
	defer cancel()

	if env.ID == 0 {
		env.ID = t.pending.next()
	}
	ch, err := t.pending.register(env.ID)
	if err != nil {
		return nil, err
	}
	data, err := env.encode()
	if err != nil {
		t.pending.abandon(env.ID)
		return nil, err
	}
	if err := t.writeFrame(data); err != nil {
		t.pending.abandon(env.ID)
		return nil, err
	}
	return t.pending.await(ctx, env, ch)
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return tool.NewError(tool.KindProtocol, "encode notification params", false, err)
	}
	data, err := json.Marshal(Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
	if err != nil {
		return tool.NewError(tool.KindProtocol, "encode notification", false, err)
	}
	return t.writeFrame(data)
}

func (t *WebSocketTransport) writeFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return closedError(tool.ConnectionWebSocket)
	}
	if err := websocket.Message.Send(t.conn, string(data)); err != nil {
		return crashError("write to tool websocket failed", err)
	}
	return nil
}

func (t *WebSocketTransport) readLoop() {
	for {
		var frame []byte
		if err := websocket.Message.Receive(t.conn, &frame); err != nil {
			t.terminate(crashError("tool websocket closed", err))
			return
		}

		var head struct {
			ID     *int64    `json:"id"`
			Method string    `json:"method"`
			Error  *RPCError `json:"error"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.log.Warn("protocol error on tool websocket", "error", tool.NewError(tool.KindProtocol, "frame is not valid JSON", false, err))
			continue
		}
		if head.ID == nil || head.Method != "" {
			t.log.Debug("ignoring non-reply websocket frame", "method", head.Method)
			continue
		}
		t.pending.deliver(*head.ID, delivery{resp: &Response{
			ID:       *head.ID,
			Result:   json.RawMessage(frame),
			Error:    head.Error,
			Framed:   true,
			Received: time.Now(),
		}})
	}
}

// Close closes the connection and fails outstanding requests.
func (t *WebSocketTransport) Close(ctx context.Context) error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	t.writeMu.Unlock()

	t.pending.fail(closedError(tool.ConnectionWebSocket))
	return t.conn.Close()
}

func (t *WebSocketTransport) Done() <-chan struct{} { return t.done }

func (t *WebSocketTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.fatal
}

func (t *WebSocketTransport) terminate(err error) {
	t.errMu.Lock()
	if t.fatal == nil {
		t.fatal = err
	}
	t.errMu.Unlock()
	t.pending.fail(err)
	close(t.done)
}

var _ Transport = (*WebSocketTransport)(nil)
