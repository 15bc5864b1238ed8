package process

import (
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/ring"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	DefaultLogLines = 200
	maxLogLineBytes = 4096
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one captured line of tool output.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Instance is one running incarnation of a tool. Its PID never changes; a
// restart produces a new Instance.
type Instance struct {
	def          tool.Definition
	startedAt    time.Time
	restartCount int
	logs         *ring.Buffer[LogLine]

	cmd       *exec.Cmd
	pid       int
	stdin     io.Closer
	transport bridge.Transport
	server    bridge.InitializeResult

	exited     chan struct{}
	finishOnce sync.Once
	exitErr    error

	mu      sync.RWMutex
	state   State
	lastErr error
}

func newInstance(def tool.Definition, restartCount, logLines int) *Instance {
	if logLines <= 0 {
		logLines = DefaultLogLines
	}
	return &Instance{
		def:          def,
		restartCount: restartCount,
		logs:         ring.New[LogLine](logLines),
		exited:       make(chan struct{}),
		state:        StateStopped,
	}
}

func (i *Instance) ToolName() string { return i.def.Name }
func (i *Instance) Definition() tool.Definition { return i.def.Clone() }
func (i *Instance) RestartCount() int { return i.restartCount }

// PID is the OS process id, or 0 for an externally managed network tool.
func (i *Instance) PID() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.pid
}

func (i *Instance) StartedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.startedAt
}

// Transport returns the bridge bound to the instance. It is nil until the
// instance has been spawned (stdio) or connected (network).
func (i *Instance) Transport() bridge.Transport {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.transport
}

// Server returns the tool's handshake reply. It is empty for network tools.
func (i *Instance) Server() bridge.InitializeResult {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.server
}

// Exited is closed once the process has exited, or once an externally
// managed tool's connection has been released.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitErr returns the process exit error after Exited is closed.
func (i *Instance) ExitErr() error {
	select {
	case <-i.exited:
		return i.exitErr
	default:
		return nil
	}
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Running reports whether the instance can serve requests.
func (i *Instance) Running() bool {
	return i != nil && i.State() == StateRunning
}

// LastError returns the failure that moved the instance to ERROR, if any.
func (i *Instance) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Uptime is the time since start while the instance is RUNNING, else zero.
func (i *Instance) Uptime(now time.Time) time.Duration {
	if i.State() != StateRunning || i.StartedAt().IsZero() {
		return 0
	}
	return now.Sub(i.StartedAt())
}

// Logs returns up to n recent output lines, oldest first. n <= 0 returns all.
func (i *Instance) Logs(n int) []LogLine {
	if n <= 0 {
		return i.logs.Snapshot()
	}
	return i.logs.Last(n)
}

func (i *Instance) setState(state State) {
	i.mu.Lock()
	i.state = state
	i.mu.Unlock()
}

func (i *Instance) setProcess(cmd *exec.Cmd, pid int, startedAt time.Time) {
	i.mu.Lock()
	i.cmd = cmd
	i.pid = pid
	i.startedAt = startedAt
	i.mu.Unlock()
}

func (i *Instance) setTransport(t bridge.Transport) {
	i.mu.Lock()
	i.transport = t
	i.mu.Unlock()
}

func (i *Instance) setServer(result bridge.InitializeResult) {
	i.mu.Lock()
	i.server = result
	i.mu.Unlock()
}

func (i *Instance) process() *exec.Cmd {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cmd
}

func (i *Instance) setErr(err error) {
	i.mu.Lock()
	i.lastErr = err
	i.mu.Unlock()
}

func (i *Instance) appendLog(stream, text string) {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return
	}
	if len(text) > maxLogLineBytes {
		text = text[:maxLogLineBytes] + "..."
	}
	i.logs.Add(LogLine{Time: time.Now(), Stream: stream, Text: text})
}

// stderrTail returns the last n stderr lines joined by newlines.
func (i *Instance) stderrTail(n int) string {
	lines := i.logs.Snapshot()
	tail := make([]string, 0, n)
	for idx := len(lines) - 1; idx >= 0 && len(tail) < n; idx-- {
		if lines[idx].Stream == StreamStderr {
			tail = append(tail, lines[idx].Text)
		}
	}
	for l, r := 0, len(tail)-1; l < r; l, r = l+1, r-1 {
		tail[l], tail[r] = tail[r], tail[l]
	}
	return strings.Join(tail, "\n")
}

// external reports whether the tool process is managed outside the fleet:
// a network tool declared without a command.
func (i *Instance) external() bool {
	return i.def.ConnectionType.Network() && strings.TrimSpace(i.def.Command) == ""
}
