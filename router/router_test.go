package router

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/session"
	"github.com/petal-labs/mcpfleet/tool"
	"github.com/petal-labs/mcpfleet/tooltest"
)

func TestRouterToolHelper(t *testing.T) { tooltest.Run() }

type recordingObserver struct {
	tool.NopObserver
	mu      sync.Mutex
	calls   []tool.CallObservation
	retries []tool.RetryObservation
}

func (o *recordingObserver) ObserveCall(obs tool.CallObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, obs)
}

func (o *recordingObserver) ObserveRetry(obs tool.RetryObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, obs)
}

type recordingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
	errors map[string]int
}

func (r *recordingRecorder) RecordCall(name string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
		r.errors = map[string]int{}
	}
	r.counts[name]++
	if err != nil {
		r.errors[name]++
	}
}

type fixture struct {
	registry  *tool.Registry
	processes *process.Manager
	sessions  *session.Manager
	router    *Router
	observer  *recordingObserver
	recorder  *recordingRecorder
}

func newFixture(t *testing.T, autoStart bool, defs ...tool.Definition) *fixture {
	t.Helper()
	f := &fixture{
		registry: tool.NewRegistry(),
		observer: &recordingObserver{},
		recorder: &recordingRecorder{},
	}
	for _, def := range defs {
		require.NoError(t, f.registry.Register(def))
	}
	f.processes = process.NewManager(process.Config{
		RestartBaseDelay: 10 * time.Millisecond,
		RestartMaxDelay:  20 * time.Millisecond,
	})
	f.sessions = session.NewManager(session.Config{
		Binder: &Binder{Registry: f.registry, Processes: f.processes, AutoStart: autoStart},
	})
	f.router = New(f.registry, f.processes, f.sessions, Config{
		RetryCount: 1,
		Observer:   f.observer,
		Recorder:   f.recorder,
	})
	t.Cleanup(func() {
		f.sessions.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.processes.Close(ctx)
	})
	return f
}

func echoDef(name string) tool.Definition {
	return tooltest.Definition(name, "TestRouterToolHelper", tooltest.ModeEcho)
}

func TestCallLazyStartsAndPools(t *testing.T) {
	f := newFixture(t, true, echoDef("echo"))
	ctx := context.Background()

	res, err := f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(res.Value))
	require.Equal(t, 1, res.Attempts)
	require.NotEmpty(t, res.SessionID)
	require.Positive(t, res.PID)
	require.Equal(t, process.StateRunning, f.processes.Status("echo").State)

	again, err := f.router.Call(ctx, Request{Tool: "echo", Method: "echo", Params: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(again.Value))
	require.Equal(t, res.SessionID, again.SessionID, "ephemeral sessions are pooled")
	require.Equal(t, res.PID, again.PID)

	require.Len(t, f.observer.calls, 2)
	require.True(t, f.observer.calls[0].Success)
	require.Equal(t, 2, f.recorder.counts["echo"])
}

func TestCallUnknownTool(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.router.Call(context.Background(), Request{Tool: "ghost", Method: "ping"})
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable), "err = %v", err)
	require.Equal(t, 1, f.recorder.errors["ghost"])
}

func TestCallWithoutAutoStart(t *testing.T) {
	f := newFixture(t, false, echoDef("echo"))
	ctx := context.Background()

	_, err := f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable), "err = %v", err)

	def, _ := f.registry.Get("echo")
	_, err = f.processes.Start(ctx, def)
	require.NoError(t, err)

	res, err := f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(res.Value))
}

func TestCallRPCErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, true, echoDef("echo"))

	res, err := f.router.Call(context.Background(), Request{Tool: "echo", Method: "fail"})
	require.True(t, tool.IsKind(err, tool.KindProtocol), "err = %v", err)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, f.observer.retries)
}

func TestCallRetriesCrashAgainstFreshInstance(t *testing.T) {
	def := tooltest.WithMarker(echoDef("flaky"), filepath.Join(t.TempDir(), "crashed"))
	def.AutoRestart = true
	def.MaxRestartAttempts = 3
	f := newFixture(t, true, def)

	res, err := f.router.Call(context.Background(), Request{Tool: "flaky", Method: "crash-once", Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `"survived"`, string(res.Value))
	require.Equal(t, 2, res.Attempts)
	require.Len(t, f.observer.retries, 1)
	require.Equal(t, tool.KindProcessCrash, f.observer.retries[0].ErrorKind)
}

func TestCallRetriesAreBounded(t *testing.T) {
	def := echoDef("doomed")
	def.AutoRestart = true
	def.MaxRestartAttempts = 5
	f := newFixture(t, true, def)

	res, err := f.router.Call(context.Background(), Request{Tool: "doomed", Method: "crash", Timeout: 10 * time.Second})
	require.True(t, tool.IsKind(err, tool.KindProcessCrash), "err = %v", err)
	require.Equal(t, 2, res.Attempts, "one call plus RetryCount retries")
}

func TestCallTimeout(t *testing.T) {
	f := newFixture(t, true, echoDef("echo"))
	ctx := context.Background()

	_, err := f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.NoError(t, err)

	start := time.Now()
	res, err := f.router.Call(ctx, Request{
		Tool:    "echo",
		Method:  "sleep",
		Params:  map[string]any{"ms": 2000},
		Timeout: 100 * time.Millisecond,
	})
	require.True(t, tool.IsKind(err, tool.KindRequestTimeout), "err = %v", err)
	require.Equal(t, 1, res.Attempts)
	require.Less(t, time.Since(start), time.Second)

	_, err = f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.NoError(t, err, "a timed out call must not poison the instance")
}

func TestCallNamedSession(t *testing.T) {
	f := newFixture(t, true, echoDef("echo"))

	res, err := f.router.Call(context.Background(), Request{Tool: "echo", Method: "ping", SessionID: "nb-1"})
	require.NoError(t, err)
	require.Equal(t, "nb-1", res.SessionID)

	s, ok := f.sessions.Get("nb-1")
	require.True(t, ok)
	require.True(t, s.Named)

	require.True(t, f.sessions.Terminate("nb-1"))
	_, err = f.router.Call(context.Background(), Request{Tool: "echo", Method: "ping", SessionID: "nb-1"})
	require.True(t, tool.IsKind(err, tool.KindSessionExpired), "err = %v", err)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	def := echoDef("echo")
	def.ConcurrencySafe = true
	def.MaxConcurrency = 8
	f := newFixture(t, true, def)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.Call(ctx, Request{Tool: "echo", Method: "echo", Params: map[string]any{"n": i}})
			if err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(res.Value, &got); err != nil || got.N != i {
				t.Errorf("Call(%d) = %s, want n=%d", i, res.Value, i)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, f.processes.Live(), "every call shares one instance")
}

func TestUnsafeToolSerializesAcrossSessions(t *testing.T) {
	f := newFixture(t, true, echoDef("echo"))
	ctx := context.Background()
	_, err := f.router.Call(ctx, Request{Tool: "echo", Method: "ping"})
	require.NoError(t, err)

	const delay = 50 * time.Millisecond
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{Tool: "echo", Method: "sleep", Params: map[string]any{"ms": delay.Milliseconds()}}
			if i%2 == 1 {
				req.SessionID = fmt.Sprintf("named-%d", i)
			}
			if _, err := f.router.Call(ctx, req); err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	require.GreaterOrEqual(t, time.Since(start), 5*delay, "one request at a time on the instance, whatever the session")
}
