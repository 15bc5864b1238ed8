// Package tooltest turns the running test binary into a scripted MCP tool.
//
// A test package declares a helper test that calls Run, and builds tool
// definitions with Definition. The fleet then spawns os.Args[0] filtered to
// that helper test, which serves newline-delimited JSON-RPC on stdio:
//
//	func TestProcessToolHelper(t *testing.T) { tooltest.Run() }
//
//	def := tooltest.Definition("echo", "TestProcessToolHelper", tooltest.ModeEcho)
package tooltest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/petal-labs/mcpfleet/tool"
)

const (
	// EnvHelper marks a process as a helper tool.
	EnvHelper = "MCPFLEET_TOOLTEST_HELPER"
	// EnvMode selects the helper's behavior.
	EnvMode = "MCPFLEET_TOOLTEST_MODE"
	// EnvMarker names a file used by ModeCrashOnce to remember the first run.
	EnvMarker = "MCPFLEET_TOOLTEST_MARKER"
)

// Mode selects how the helper tool behaves.
type Mode string

const (
	// ModeEcho answers the handshake and the methods listed on Serve.
	ModeEcho Mode = "echo"
	// ModeSilent reads stdin but never answers, so the handshake times out.
	ModeSilent Mode = "silent"
	// ModeExit writes to stderr and exits with status 2 before the handshake.
	ModeExit Mode = "exit"
	// ModeCrashAfterInit completes the handshake and then exits with status 3.
	ModeCrashAfterInit Mode = "crash-after-init"
	// ModeCrashOnce behaves like ModeCrashAfterInit on its first run and like
	// ModeEcho afterwards. It needs EnvMarker.
	ModeCrashOnce Mode = "crash-once"
	// ModeNoisy prints a non-JSON line before every reply.
	ModeNoisy Mode = "noisy"
	// ModeDeaf behaves like ModeEcho but never answers tools/list, so health
	// probes time out.
	ModeDeaf Mode = "deaf"
)

// Definition returns a stdio tool definition that re-executes the test binary
// filtered to helperTest.
func Definition(name, helperTest string, mode Mode) tool.Definition {
	return tool.Definition{
		Name:           name,
		Command:        os.Args[0],
		Args:           []string{"-test.run=^" + helperTest + "$", "--"},
		ConnectionType: tool.ConnectionStdio,
		StartupTimeout: 5 * time.Second,
		Env: map[string]string{
			EnvHelper: "1",
			EnvMode:   string(mode),
		},
	}
}

// WithMarker returns def with the ModeCrashOnce marker file set.
func WithMarker(def tool.Definition, path string) tool.Definition {
	env := make(map[string]string, len(def.Env)+1)
	for k, v := range def.Env {
		env[k] = v
	}
	env[EnvMarker] = path
	def.Env = env
	return def
}

// Run serves the helper tool and exits when the environment asks for it. It
// returns immediately in a normal test run.
func Run() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	mode := Mode(os.Getenv(EnvMode))
	if mode == ModeCrashOnce {
		mode = crashOnce(os.Getenv(EnvMarker))
	}
	os.Exit(Serve(os.Stdin, os.Stdout, os.Stderr, mode))
}

func crashOnce(marker string) Mode {
	if marker == "" {
		return ModeEcho
	}
	if _, err := os.Stat(marker); err == nil {
		return ModeEcho
	}
	_ = os.WriteFile(marker, []byte("crashed\n"), 0o600)
	return ModeCrashAfterInit
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Serve runs the helper tool over in and out until in is exhausted or the
// mode ends the process, and returns the exit status. Supported methods:
//
//	initialize   handshake reply with serverInfo name "tooltest"
//	ping         "pong"
//	echo         the params, unchanged
//	sleep        {"ms": n}; replies after n milliseconds, concurrently
//	pid          the helper's process id
//	tools/list   one tool named "echo"
//	tools/call   the call arguments as text content
//	fail         JSON-RPC error -32000
//	crash        exit status 3
//	crash-once   exit status 3 unless EnvMarker exists (creating it), else "survived"
func Serve(in io.Reader, out io.Writer, errOut io.Writer, mode Mode) int {
	switch mode {
	case ModeExit:
		_, _ = fmt.Fprintln(errOut, "tooltest: refusing to start")
		return 2
	case ModeSilent:
		_, _ = io.Copy(io.Discard, in)
		return 0
	}

	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	write := func(resp response) {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if mode == ModeNoisy {
			_, _ = fmt.Fprintln(out, "tooltest: this line is not json")
		}
		_, _ = out.Write(append(data, '\n'))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_, _ = fmt.Fprintf(errOut, "tooltest: bad request line: %v\n", err)
			continue
		}
		if len(req.ID) == 0 {
			if req.Method == "notifications/initialized" && mode == ModeCrashAfterInit {
				_, _ = fmt.Fprintln(errOut, "tooltest: crashing after initialize")
				return 3
			}
			continue
		}
		if mode == ModeDeaf && req.Method == "tools/list" {
			continue
		}
		switch req.Method {
		case "crash":
			_, _ = fmt.Fprintln(errOut, "tooltest: crash requested")
			return 3
		case "crash-once":
			if marker := os.Getenv(EnvMarker); marker != "" {
				if _, err := os.Stat(marker); err != nil {
					_ = os.WriteFile(marker, []byte("crashed\n"), 0o600)
					_, _ = fmt.Fprintln(errOut, "tooltest: crashing once")
					return 3
				}
			}
			write(response{JSONRPC: "2.0", ID: req.ID, Result: "survived"})
		case "sleep":
			pending.Add(1)
			go func(req request) {
				defer pending.Done()
				var params struct {
					MS int `json:"ms"`
				}
				_ = json.Unmarshal(req.Params, &params)
				time.Sleep(time.Duration(params.MS) * time.Millisecond)
				write(response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"slept_ms": params.MS}})
			}(req)
		default:
			write(reply(req))
		}
	}
	pending.Wait()
	return 0
}

func reply(req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "tooltest", "version": "1.0.0"},
		}
	case "ping":
		resp.Result = "pong"
	case "echo":
		if len(req.Params) == 0 {
			resp.Result = map[string]any{}
		} else {
			resp.Result = req.Params
		}
	case "pid":
		resp.Result = os.Getpid()
	case "tools/list":
		resp.Result = map[string]any{
			"tools": []map[string]any{{
				"name":        "echo",
				"description": "Echo the call arguments",
				"inputSchema": map[string]any{"type": "object"},
			}},
		}
	case "tools/call":
		var params struct {
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		resp.Result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(params.Arguments)}},
		}
	case "fail":
		resp.Error = &rpcError{Code: -32000, Message: "requested failure"}
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}
	return resp
}

// Handler serves the helper tool's request/reply methods over HTTP POST, one
// JSON-RPC message per request body. Notifications get 202 Accepted.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(req.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply(req))
	})
}
