package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/mcpfleet/tool"
)

const (
	defaultMaxLineSize = 16 * 1024 * 1024
	logLinePreview     = 256
)

// StdioConfig wires a StdioTransport to a child's pipes.
type StdioConfig struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Logger *slog.Logger
	// OnLine receives every non-empty stdout line.
	OnLine func(line string)
	// OnProtocolError receives each stdout line that is not valid JSON-RPC.
	OnProtocolError func(err error)
	MaxLineSize     int
}

// StdioTransport speaks newline-delimited JSON-RPC 2.0 over a child's stdin
// and stdout. Writes are serialized so request lines never interleave.
type StdioTransport struct {
	log     *slog.Logger
	stdin   io.WriteCloser
	pending *correlator
	onLine  func(string)
	onProto func(error)

	writeMu sync.Mutex
	closed  bool

	done      chan struct{}
	errMu     sync.Mutex
	fatal     error
	protoErrs atomic.Int64
}

// NewStdioTransport starts reading cfg.Stdout and returns the transport.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	log := loggerOrDefault(cfg.Logger).With("transport", tool.ConnectionStdio)
	t := &StdioTransport{
		log:     log,
		stdin:   cfg.Stdin,
		pending: newCorrelator(log),
		onLine:  cfg.OnLine,
		onProto: cfg.OnProtocolError,
		done:    make(chan struct{}),
	}
	maxLine := cfg.MaxLineSize
	if maxLine <= 0 {
		maxLine = defaultMaxLineSize
	}
	go t.readLoop(cfg.Stdout, maxLine)
	return t
}

func (t *StdioTransport) Kind() tool.ConnectionType { return tool.ConnectionStdio }

// Send writes env as one line and waits for the reply carrying its id.
func (t *StdioTransport) Send(ctx context.Context, env *Envelope) (*Response, error) {
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
	if err := t.writeLine(data); err != nil {
		t.pending.abandon(env.ID)
		return nil, err
	}
	return t.pending.await(ctx, env, ch)
}

// Notify writes a notification; no reply is expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
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
	return t.writeLine(data)
}

// Close closes stdin and fails every outstanding request. It does not signal
// the process; that is the process manager's job.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	err := t.stdin.Close()
	t.writeMu.Unlock()

	t.pending.fail(closedError(tool.ConnectionStdio))
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func (t *StdioTransport) Done() <-chan struct{} { return t.done }

func (t *StdioTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.fatal
}

// ProtocolErrors returns how many stdout lines failed to parse.
func (t *StdioTransport) ProtocolErrors() int64 { return t.protoErrs.Load() }

// Dropped returns how many replies matched no outstanding request.
func (t *StdioTransport) Dropped() int64 { return t.pending.dropped.Load() }

func (t *StdioTransport) writeLine(data []byte) error {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return closedError(tool.ConnectionStdio)
	}
	if _, err := t.stdin.Write(line); err != nil {
		return crashError("write to tool stdin failed", err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader, maxLine int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if t.onLine != nil {
			t.onLine(string(line))
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.protocolError(tool.NewError(tool.KindProtocol, "stdout line is not valid JSON-RPC", false, err), line)
			continue
		}
		t.dispatch(msg)
	}

	cause := scanner.Err()
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	t.terminate(crashError("tool stdout closed", cause))

	// Keep the pipe flowing so a tool that outlives the transport never
	// blocks on a full stdout.
	_, _ = io.Copy(io.Discard, stdout)
}

func (t *StdioTransport) dispatch(msg Message) {
	switch {
	case msg.IsResponse():
		t.pending.deliver(*msg.ID, delivery{resp: &Response{
			ID:     *msg.ID,
			Result: msg.Result,
			Error:  msg.Error,
		}})
	case msg.IsRequest():
		t.answerServerRequest(msg)
	case msg.IsNotification():
		t.log.Debug("tool notification", "method", msg.Method)
	default:
		t.protocolError(tool.Errorf(tool.KindProtocol, "message has neither id nor method"), nil)
	}
}

// answerServerRequest replies to requests the tool sends to us. Only ping is
// supported.
func (t *StdioTransport) answerServerRequest(msg Message) {
	reply := Message{JSONRPC: JSONRPCVersion, ID: msg.ID}
	if msg.Method == "ping" {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not supported by client: " + msg.Method}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := t.writeLine(data); err != nil {
		t.log.Debug("reply to tool request failed", "method", msg.Method, "error", err)
	}
}

func (t *StdioTransport) protocolError(err *tool.ToolError, line []byte) {
	t.protoErrs.Add(1)
	preview := string(line)
	if len(preview) > logLinePreview {
		preview = preview[:logLinePreview] + "..."
	}
	t.log.Warn("protocol error on tool stdout", "error", err, "line", preview)
	if t.onProto != nil {
		t.onProto(err)
	}
}

func (t *StdioTransport) terminate(err error) {
	t.errMu.Lock()
	if t.fatal == nil {
		t.fatal = err
	}
	t.errMu.Unlock()
	t.pending.fail(err)
	close(t.done)
}

var _ Transport = (*StdioTransport)(nil)
