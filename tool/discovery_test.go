package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestDiscoverClassifiesCandidates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "weather_server.py"), "from mcp.server import FastMCP\n", 0o644)
	writeFile(t, filepath.Join(root, "notes.txt"), "nothing to see", 0o644)
	writeFile(t, filepath.Join(root, "helper.py"), "print('plain script')\n", 0o644)
	writeFile(t, filepath.Join(root, "nested", "files.mcp.yaml"), `
tools:
  files:
    command: node
    args: [files.js]
    startup_timeout: 3s
`, 0o644)
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "mcp_server.js"), "// modelcontextprotocol\n", 0o644)

	ctx := context.Background()

	shallow, err := Discover(ctx, nil, DiscoveryOptions{Paths: []string{root}})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(shallow.New) != 1 || shallow.New[0].Name != "weather-server" {
		t.Fatalf("shallow New = %+v, want weather-server only", shallow.New)
	}
	weather := shallow.New[0]
	if weather.Command != "python3" || weather.Args[0] != filepath.Join(root, "weather_server.py") {
		t.Fatalf("weather definition = %+v", weather)
	}
	if weather.Hash == "" || weather.Source == "" {
		t.Fatalf("weather definition missing hash/source: %+v", weather)
	}

	reg := NewRegistry()
	deep, err := reg.Discover(ctx, DiscoveryOptions{Paths: []string{root}, Recursive: true})
	if err != nil {
		t.Fatalf("Discover(recursive) error = %v", err)
	}
	if len(deep.New) != 2 {
		t.Fatalf("recursive New = %+v, want files and weather-server", deep.New)
	}
	if err := reg.Apply(deep); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	again, err := reg.Discover(ctx, DiscoveryOptions{Paths: []string{root}, Recursive: true})
	if err != nil {
		t.Fatalf("Discover(again) error = %v", err)
	}
	if !again.Empty() || len(again.Unchanged) != 2 {
		t.Fatalf("rescan = %+v, want no changes", again)
	}

	writeFile(t, filepath.Join(root, "weather_server.py"), "from mcp.server import FastMCP\n# v2\n", 0o644)
	if err := os.Remove(filepath.Join(root, "nested", "files.mcp.yaml")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	diff, err := reg.Discover(ctx, DiscoveryOptions{Paths: []string{root}, Recursive: true})
	if err != nil {
		t.Fatalf("Discover(diff) error = %v", err)
	}
	if len(diff.Updated) != 1 || diff.Updated[0].Name != "weather-server" {
		t.Fatalf("Updated = %+v, want weather-server", diff.Updated)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "files" {
		t.Fatalf("Removed = %v, want [files]", diff.Removed)
	}
}

func TestDiscoverMCPServersFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mcp.json"), `{
  "mcpServers": {
    "github": {"command": "npx", "args": ["-y", "server-github"], "env": {"TOKEN": "x"}},
    "remote": {"url": "http://localhost:9100/mcp"}
  }
}`, 0o644)

	result, err := Discover(context.Background(), nil, DiscoveryOptions{Paths: []string{root}})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(result.New) != 2 {
		t.Fatalf("New = %+v, want 2 definitions", result.New)
	}
	remote := result.New[1]
	if remote.ConnectionType != ConnectionHTTP || remote.Port != 9100 || remote.Path != "/mcp" {
		t.Fatalf("remote definition = %+v", remote)
	}
}

func TestDiscoverExecutableWithMarker(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "runner"), "#!/bin/sh\n# jsonrpc stdio tool\n", 0o755)

	result, err := Discover(context.Background(), nil, DiscoveryOptions{Paths: []string{root}})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(result.New) != 1 || result.New[0].Command != filepath.Join(root, "runner") {
		t.Fatalf("New = %+v, want the executable itself as command", result.New)
	}
}

func TestDiscoverRequiresPaths(t *testing.T) {
	if _, err := Discover(context.Background(), nil, DiscoveryOptions{}); !IsKind(err, KindConfig) {
		t.Fatalf("Discover() error = %v, want ConfigError", err)
	}
}
