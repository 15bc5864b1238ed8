package cli

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/mcpfleet/daemon"
	"github.com/petal-labs/mcpfleet/fleet"
	"github.com/petal-labs/mcpfleet/tooltest"
)

func TestCLIToolHelper(t *testing.T) { tooltest.Run() }

func newTestDaemon(t *testing.T) (*fleet.Fleet, string) {
	t.Helper()
	f, err := fleet.New(context.Background(), fleet.Config{
		RestartBaseDelay: 10 * time.Millisecond,
		RestartMaxDelay:  20 * time.Millisecond,
	}, fleet.Options{})
	if err != nil {
		t.Fatalf("fleet.New() error = %v", err)
	}
	server, err := daemon.NewServer(daemon.ServerConfig{Fleet: f})
	if err != nil {
		t.Fatalf("daemon.NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})

	def := tooltest.Definition("echo", "TestCLIToolHelper", tooltest.ModeEcho)
	if err := f.Register(context.Background(), def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return f, ts.URL
}

func TestToolsLifecycleAndList(t *testing.T) {
	_, url := newTestDaemon(t)

	stdout, _, err := executeCommand(newTestRoot(), "tools", "--server", url, "start", "echo")
	if err != nil {
		t.Fatalf("start error = %v", err)
	}
	if !strings.Contains(stdout, "echo: RUNNING") {
		t.Fatalf("start output = %q, want RUNNING", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(stdout, "NAME") || !strings.Contains(stdout, "echo") || !strings.Contains(stdout, "RUNNING") {
		t.Fatalf("list output = %q, want header and running echo", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "list", "--capabilities")
	if err != nil {
		t.Fatalf("list --capabilities error = %v", err)
	}
	if !strings.Contains(stdout, "CAPABILITIES") {
		t.Fatalf("list --capabilities output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "status", "echo")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(stdout, "State:      RUNNING") {
		t.Fatalf("status output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "stop", "echo")
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if !strings.Contains(stdout, "echo: STOPPED") {
		t.Fatalf("stop output = %q, want STOPPED", stdout)
	}
}

func TestToolsCall(t *testing.T) {
	_, url := newTestDaemon(t)

	stdout, _, err := executeCommand(newTestRoot(), "tools", "--server", url, "call", "echo", "echo", "--params", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("call error = %v", err)
	}
	if !strings.Contains(stdout, "hello") {
		t.Fatalf("call output = %q, want echoed params", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "call", "echo", "fail")
	if code := exitCode(err); code != exitCallFailed {
		t.Fatalf("failing call exit code = %d, want %d (err %v)", code, exitCallFailed, err)
	}
	if !strings.Contains(err.Error(), "ProtocolError") {
		t.Fatalf("failing call error = %v, want ProtocolError", err)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "--server", url, "call", "echo", "ping", "--params", "{not json")
	if code := exitCode(err); code != exitValidation {
		t.Fatalf("bad params exit code = %d, want %d", code, exitValidation)
	}
}

func TestToolsStatusUnknownTool(t *testing.T) {
	_, url := newTestDaemon(t)

	_, _, err := executeCommand(newTestRoot(), "tools", "--server", url, "status", "ghost")
	if code := exitCode(err); code != exitFileNotFound {
		t.Fatalf("exit code = %d, want %d (err %v)", code, exitFileNotFound, err)
	}
	if !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestToolsDiscover(t *testing.T) {
	f, url := newTestDaemon(t)

	dir := t.TempDir()
	content := `{"mcpServers": {"files": {"command": "files-server"}}}`
	if err := os.WriteFile(filepath.Join(dir, "mcp.json"), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "--server", url, "discover", dir)
	if err != nil {
		t.Fatalf("discover error = %v", err)
	}
	if !strings.Contains(stdout, "1 new") || !strings.Contains(stdout, "+ files") {
		t.Fatalf("discover output = %q", stdout)
	}
	if _, ok := f.Registry().Get("files"); !ok {
		t.Fatal("files not registered")
	}
}

func TestToolsUnreachableDaemon(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	_, _, err := executeCommand(newTestRoot(), "tools", "--server", url, "list")
	if code := exitCode(err); code != exitUnavailable {
		t.Fatalf("exit code = %d, want %d (err %v)", code, exitUnavailable, err)
	}
}

func TestToolsInvalidServer(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "tools", "--server", "not a url", "list")
	if code := exitCode(err); code != exitValidation {
		t.Fatalf("exit code = %d, want %d", code, exitValidation)
	}
}
