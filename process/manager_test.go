package process

import (
	"context"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/tool"
	"github.com/petal-labs/mcpfleet/tooltest"
)

func TestProcessToolHelper(t *testing.T) { tooltest.Run() }

func helperDef(name string, mode tooltest.Mode) tool.Definition {
	return tooltest.Definition(name, "TestProcessToolHelper", mode)
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.RestartBaseDelay == 0 {
		cfg.RestartBaseDelay = 10 * time.Millisecond
	}
	if cfg.RestartMaxDelay == 0 {
		cfg.RestartMaxDelay = 50 * time.Millisecond
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	m := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func ping(t *testing.T, inst *Instance) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := bridge.Call(ctx, inst.Transport(), "ping", nil, bridge.OriginAPI)
	require.NoError(t, err)
	return string(payload)
}

func TestManagerStartCallStop(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.Start(ctx, helperDef("echo", tooltest.ModeEcho))
	require.NoError(t, err)
	require.True(t, inst.Running())
	require.Positive(t, inst.PID())
	require.Equal(t, "tooltest", inst.Server().ServerInfo.Name)
	require.Equal(t, `"pong"`, ping(t, inst))

	again, err := m.Start(ctx, helperDef("echo", tooltest.ModeEcho))
	require.NoError(t, err)
	require.Same(t, inst, again, "Start on a RUNNING tool must be idempotent")

	st := m.Status("echo")
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, inst.PID(), st.PID)
	require.Equal(t, 1, m.Live())

	require.NoError(t, m.Stop(ctx, "echo"))
	select {
	case <-inst.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
	st = m.Status("echo")
	require.Equal(t, StateStopped, st.State)
	require.Zero(t, st.PID)
	require.Zero(t, m.Live())

	require.NoError(t, m.Stop(ctx, "echo"), "stopping a stopped tool is a no-op")
	require.NoError(t, m.Stop(ctx, "never-started"))
}

func TestManagerStartupTimeout(t *testing.T) {
	m := newTestManager(t, Config{})
	def := helperDef("silent", tooltest.ModeSilent)
	def.StartupTimeout = 300 * time.Millisecond

	_, err := m.Start(context.Background(), def)
	require.Error(t, err)
	require.True(t, tool.IsKind(err, tool.KindProcessStart), "err = %v", err)

	startErr, ok := tool.AsToolError(err)
	require.True(t, ok)
	cause, ok := tool.AsToolError(startErr.Cause)
	require.True(t, ok)
	require.Equal(t, tool.KindProcessTimeout, cause.Kind)

	require.Equal(t, StateFailed, m.Status("silent").State, "auto restart is off")
	require.Zero(t, m.Live())

	_, err = m.Start(context.Background(), def)
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable), "FAILED tools refuse Start, got %v", err)

	require.NoError(t, m.Reset("silent"))
	require.Equal(t, StateStopped, m.Status("silent").State)
}

func TestManagerExitBeforeReadyKeepsStderr(t *testing.T) {
	m := newTestManager(t, Config{})

	_, err := m.Start(context.Background(), helperDef("quitter", tooltest.ModeExit))
	require.True(t, tool.IsKind(err, tool.KindProcessStart), "err = %v", err)

	var found bool
	for _, line := range m.Logs("quitter", 0) {
		if line.Stream == StreamStderr && strings.Contains(line.Text, "refusing to start") {
			found = true
		}
	}
	require.True(t, found, "stderr should be kept in the log ring: %+v", m.Logs("quitter", 0))
}

func TestManagerCrashAutoRestartRecovers(t *testing.T) {
	events := bus.NewMemBus(bus.MemBusConfig{})
	sub := events.Subscribe("flaky")
	defer sub.Close()

	m := newTestManager(t, Config{Events: events})
	def := tooltest.WithMarker(helperDef("flaky", tooltest.ModeCrashOnce), filepath.Join(t.TempDir(), "crashed"))
	def.AutoRestart = true
	def.MaxRestartAttempts = 3

	first, err := m.Start(context.Background(), def)
	require.NoError(t, err)
	firstPID := first.PID()

	require.Eventually(t, func() bool {
		st := m.Status("flaky")
		return st.State == StateRunning && st.RestartCount == 1 && st.PID != firstPID
	}, 10*time.Second, 20*time.Millisecond)

	st := m.Status("flaky")
	require.Equal(t, tool.KindProcessCrash, st.LastErrorKind, "last error = %q", st.LastError)

	inst, ok := m.Instance("flaky")
	require.True(t, ok)
	require.Equal(t, `"pong"`, ping(t, inst))

	var sawRecovery bool
	timeout := time.After(2 * time.Second)
	for !sawRecovery {
		select {
		case ev := <-sub.Events():
			if ev.From == string(StateError) && ev.To == string(StateStarting) {
				sawRecovery = true
			}
		case <-timeout:
			t.Fatal("no ERROR -> STARTING event published")
		}
	}
}

func TestManagerCrashLoopConvergesToFailed(t *testing.T) {
	m := newTestManager(t, Config{})
	def := helperDef("crashy", tooltest.ModeCrashAfterInit)
	def.AutoRestart = true
	def.MaxRestartAttempts = 2

	_, _ = m.Start(context.Background(), def)

	bound := m.Backoff(def).Total() + time.Duration(def.MaxRestartAttempts+1)*def.StartupTimeout
	require.Eventually(t, func() bool {
		return m.Status("crashy").State == StateFailed
	}, bound, 20*time.Millisecond)

	st := m.Status("crashy")
	require.Equal(t, 2, st.RestartCount)
	require.Zero(t, m.Live())
}

func TestManagerAutoRestartDisabled(t *testing.T) {
	m := newTestManager(t, Config{})
	def := helperDef("once", tooltest.ModeCrashAfterInit)

	_, _ = m.Start(context.Background(), def)
	require.Eventually(t, func() bool {
		return m.Status("once").State == StateFailed
	}, 5*time.Second, 20*time.Millisecond)
	require.Zero(t, m.Status("once").RestartCount)

	require.NoError(t, m.Reset("once"))
	st := m.Status("once")
	require.Equal(t, StateStopped, st.State)
	require.Empty(t, st.LastError)
}

func TestManagerMaxProcesses(t *testing.T) {
	m := newTestManager(t, Config{MaxProcesses: 1})
	ctx := context.Background()

	_, err := m.Start(ctx, helperDef("first", tooltest.ModeEcho))
	require.NoError(t, err)

	_, err = m.Start(ctx, helperDef("second", tooltest.ModeEcho))
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable), "err = %v", err)
	require.Equal(t, StateStopped, m.Status("second").State, "refusal must not spawn")
	require.Equal(t, 1, m.Live())

	require.NoError(t, m.Stop(ctx, "first"))
	_, err = m.Start(ctx, helperDef("second", tooltest.ModeEcho))
	require.NoError(t, err)
	require.Equal(t, 1, m.Live())
}

func TestManagerRestartIgnoresBudget(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	def := helperDef("bounce", tooltest.ModeEcho)
	def.MaxRestartAttempts = 1

	first, err := m.Start(ctx, def)
	require.NoError(t, err)

	second, err := m.Restart(ctx, "bounce")
	require.NoError(t, err)
	require.NotEqual(t, first.PID(), second.PID())

	third, err := m.Restart(ctx, "bounce")
	require.NoError(t, err)
	require.NotEqual(t, second.PID(), third.PID())
	require.Equal(t, 2, m.Status("bounce").RestartCount)
	require.Equal(t, StateRunning, m.Status("bounce").State)
	require.Equal(t, `"pong"`, ping(t, third))

	_, err = m.Restart(ctx, "missing")
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable))
}

func TestManagerDefaultRestartBudget(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	def := helperDef("plain", tooltest.ModeEcho)
	def.MaxRestartAttempts = 0

	_, err := m.Start(ctx, def)
	require.NoError(t, err)
	for i := 0; i < tool.DefaultMaxRestartAttempts; i++ {
		_, err = m.Recover(ctx, "plain")
		require.NoError(t, err, "recover %d", i+1)
	}
	require.Equal(t, StateRunning, m.Status("plain").State)
}

func TestManagerRecoverBudget(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	def := helperDef("bounce", tooltest.ModeEcho)
	def.MaxRestartAttempts = 1

	_, err := m.Start(ctx, def)
	require.NoError(t, err)

	second, err := m.Recover(ctx, "bounce")
	require.NoError(t, err)
	require.Equal(t, 1, m.Status("bounce").RestartCount)
	require.Equal(t, `"pong"`, ping(t, second))

	_, err = m.Recover(ctx, "bounce")
	require.True(t, tool.IsKind(err, tool.KindToolUnavailable), "err = %v", err)
	require.Equal(t, StateFailed, m.Status("bounce").State)
	require.Zero(t, m.Live())

	require.NoError(t, m.Reset("bounce"))
	_, err = m.Start(ctx, def)
	require.NoError(t, err)
	require.Zero(t, m.Status("bounce").RestartCount)
}

func TestManagerStableUptimeClearsRestarts(t *testing.T) {
	m := newTestManager(t, Config{StableWindow: 200 * time.Millisecond})
	ctx := context.Background()
	def := helperDef("steady", tooltest.ModeEcho)
	def.MaxRestartAttempts = 1

	_, err := m.Start(ctx, def)
	require.NoError(t, err)
	_, err = m.Restart(ctx, "steady")
	require.NoError(t, err)
	require.Equal(t, 1, m.Status("steady").RestartCount)

	time.Sleep(300 * time.Millisecond)

	_, err = m.Recover(ctx, "steady")
	require.NoError(t, err, "a stable instance must not be judged on old restarts")
	st := m.Status("steady")
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, 1, st.RestartCount)
}

func TestManagerRenew(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	def := helperDef("renew", tooltest.ModeEcho)
	def.MaxRestartAttempts = 3

	stale, err := m.Start(ctx, def)
	require.NoError(t, err)

	fresh, err := m.Renew(ctx, "renew", stale)
	require.NoError(t, err)
	require.NotSame(t, stale, fresh)

	same, err := m.Renew(ctx, "renew", stale)
	require.NoError(t, err)
	require.Same(t, fresh, same, "Renew must not restart when the stale instance is already replaced")
}

func TestManagerConcurrentStartStop(t *testing.T) {
	m := newTestManager(t, Config{MaxProcesses: 1})
	ctx := context.Background()
	def := helperDef("racy", tooltest.ModeEcho)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = m.Start(ctx, def)
			} else {
				_ = m.Stop(ctx, "racy")
			}
		}(i)
	}
	wg.Wait()

	st := m.Status("racy")
	require.Contains(t, []State{StateRunning, StateStopped}, st.State)
	require.LessOrEqual(t, m.Live(), 1)
}

func TestManagerNoisyStdoutGoesToLogs(t *testing.T) {
	m := newTestManager(t, Config{})
	inst, err := m.Start(context.Background(), helperDef("noisy", tooltest.ModeNoisy))
	require.NoError(t, err)
	require.Equal(t, `"pong"`, ping(t, inst))

	require.Eventually(t, func() bool {
		for _, line := range m.Logs("noisy", 10) {
			if line.Stream == StreamStdout && strings.Contains(line.Text, "not json") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerExternalHTTPTool(t *testing.T) {
	srv := httptest.NewServer(tooltest.Handler())
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	m := newTestManager(t, Config{})
	inst, err := m.Start(context.Background(), tool.Definition{
		Name:           "remote",
		ConnectionType: tool.ConnectionHTTP,
		Host:           host,
		Port:           port,
		StartupTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.Zero(t, inst.PID())
	require.Equal(t, tool.ConnectionHTTP, inst.Transport().Kind())
	require.Equal(t, `"pong"`, ping(t, inst))

	require.NoError(t, m.Stop(context.Background(), "remote"))
	require.Equal(t, StateStopped, m.Status("remote").State)
	require.Zero(t, m.Live())
}
