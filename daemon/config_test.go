package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/mcpfleet/tool"
)

func TestDiscoverConfigPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "mcpfleet.yaml")
	if err := os.WriteFile(projectConfig, []byte("tools: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeConfigDir := filepath.Join(home, ".mcpfleet")
	if err := os.MkdirAll(homeConfigDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeConfigDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("tools: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverConfigPathFrom("", "", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverConfigPathFrom() error = %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != projectConfig {
		t.Fatalf("path = %q, want %q", got, projectConfig)
	}

	if err := os.Remove(projectConfig); err != nil {
		t.Fatalf("Remove(project config) error = %v", err)
	}
	got, found, err = DiscoverConfigPathFrom("", "", cwd, home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("DiscoverConfigPathFrom() = %q, %v, %v; want %q", got, found, err, homeConfig)
	}
}

func TestDiscoverConfigPathFrom_EnvBeforeDefaults(t *testing.T) {
	cwd := t.TempDir()
	envConfig := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(envConfig, []byte("tools: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(env config) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(cwd, "mcpfleet.yaml"), []byte("tools: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	got, found, err := DiscoverConfigPathFrom("", envConfig, cwd, t.TempDir())
	if err != nil || !found {
		t.Fatalf("DiscoverConfigPathFrom() found = %v, err = %v", found, err)
	}
	if got != envConfig {
		t.Fatalf("path = %q, want %q", got, envConfig)
	}
}

func TestDiscoverConfigPathFrom_NothingFound(t *testing.T) {
	_, found, err := DiscoverConfigPathFrom("", "", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverConfigPathFrom() error = %v", err)
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestDiscoverConfigPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverConfigPathFrom("/tmp/does-not-exist.yaml", "", t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoadConfig_FleetAndTools(t *testing.T) {
	baseDir := t.TempDir()
	t.Setenv("MCPFLEET_TEST_TOKEN", "s3cret")

	content := `
fleet:
  max_processes: 4
  health_check_interval: 15s
  retry_count: 0
  discovery:
    paths: [tools]
    schedule: "@every 5m"
tools:
  search:
    command: ./bin/search
    args: [--stdio]
    working_directory: work
    env:
      TOKEN: ${MCPFLEET_TEST_TOKEN}
    timeout: 10s
  weather:
    connection_type: http
    host: localhost
    port: 9000
`
	path := filepath.Join(baseDir, "mcpfleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile(config) error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Fleet.MaxProcesses != 4 {
		t.Fatalf("max_processes = %d, want 4", cfg.Fleet.MaxProcesses)
	}
	if cfg.Fleet.HealthCheckInterval != 15*time.Second {
		t.Fatalf("health_check_interval = %s, want 15s", cfg.Fleet.HealthCheckInterval)
	}
	if cfg.Fleet.RetryCount == nil || *cfg.Fleet.RetryCount != 0 {
		t.Fatalf("retry_count = %v, want explicit 0", cfg.Fleet.RetryCount)
	}
	if want := filepath.Join(baseDir, "tools"); cfg.Fleet.Discovery.Paths[0] != want {
		t.Fatalf("discovery path = %q, want %q", cfg.Fleet.Discovery.Paths[0], want)
	}

	defs := cfg.Definitions("")
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	search := defs[0]
	if search.Name != "search" {
		t.Fatalf("first definition = %q, want search", search.Name)
	}
	if search.Env["TOKEN"] != "s3cret" {
		t.Fatalf("TOKEN = %q, want expanded value", search.Env["TOKEN"])
	}
	if search.WorkingDirectory != filepath.Join(baseDir, "work") {
		t.Fatalf("working_directory = %q, want resolved against config dir", search.WorkingDirectory)
	}
	if search.Timeout != 10*time.Second {
		t.Fatalf("timeout = %s, want 10s", search.Timeout)
	}
	if defs[1].Name != "weather" || defs[1].ConnectionType != tool.ConnectionHTTP {
		t.Fatalf("second definition = %#v, want http weather", defs[1])
	}
}

func TestParseConfig_RejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":          "fleet: [",
		"negative retries":  "fleet:\n  retry_count: -1\n",
		"bad schedule":      "fleet:\n  discovery:\n    paths: [x]\n    schedule: sometimes\n",
		"tool without cmd":  "tools:\n  broken:\n    args: [x]\n",
		"unknown transport": "tools:\n  odd:\n    command: x\n    connection_type: carrier-pigeon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(content), t.TempDir())
			if err == nil {
				t.Fatal("ParseConfig() error = nil, want error")
			}
		})
	}
}
