package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ConnectionType selects the wire transport a tool speaks.
type ConnectionType string

const (
	ConnectionStdio     ConnectionType = "stdio"
	ConnectionHTTP      ConnectionType = "http"
	ConnectionWebSocket ConnectionType = "websocket"
)

// Valid reports whether c is a known connection type.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnectionStdio, ConnectionHTTP, ConnectionWebSocket:
		return true
	default:
		return false
	}
}

// Network reports whether the tool is reached over a network endpoint.
func (c ConnectionType) Network() bool {
	return c == ConnectionHTTP || c == ConnectionWebSocket
}

const (
	DefaultStartupTimeout     = 10 * time.Second
	DefaultMaxRestartAttempts = 3
	DefaultMaxConcurrency     = 4
)

// Definition is the ToolDefinition record: everything needed to spawn a tool
// process and reach it. A definition is immutable once registered; updates
// replace it wholesale.
type Definition struct {
	Name               string            `json:"name" yaml:"name,omitempty"`
	Description        string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command            string            `json:"command" yaml:"command"`
	Args               []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDirectory   string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	ConnectionType     ConnectionType    `json:"connection_type" yaml:"connection_type,omitempty"`
	Host               string            `json:"host,omitempty" yaml:"host,omitempty"`
	Port               int               `json:"port,omitempty" yaml:"port,omitempty"`
	Path               string            `json:"path,omitempty" yaml:"path,omitempty"`
	StartupTimeout     time.Duration     `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty"`
	Timeout            time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	AutoRestart        bool              `json:"auto_restart" yaml:"auto_restart,omitempty"`
	MaxRestartAttempts int               `json:"max_restart_attempts" yaml:"max_restart_attempts,omitempty"`
	ConcurrencySafe    bool              `json:"concurrency_safe,omitempty" yaml:"concurrency_safe,omitempty"`
	MaxConcurrency     int               `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// Source is the file a discovered definition came from.
	Source string `json:"source,omitempty" yaml:"-"`
	// Hash fingerprints the source content used for discovery diffs.
	Hash string `json:"hash,omitempty" yaml:"-"`
}

// Normalize trims fields and fills defaults for zero values.
func (d Definition) Normalize() Definition {
	d.Name = strings.TrimSpace(d.Name)
	d.Command = strings.TrimSpace(d.Command)
	d.Host = strings.TrimSpace(d.Host)
	d.ConnectionType = ConnectionType(strings.ToLower(strings.TrimSpace(string(d.ConnectionType))))
	if d.ConnectionType == "" {
		d.ConnectionType = ConnectionStdio
	}
	if d.ConnectionType.Network() && d.Host == "" {
		d.Host = "127.0.0.1"
	}
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = DefaultStartupTimeout
	}
	if d.MaxRestartAttempts <= 0 {
		d.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if d.ConcurrencySafe && d.MaxConcurrency <= 0 {
		d.MaxConcurrency = DefaultMaxConcurrency
	}
	return d
}

// ConcurrencyLimit returns the number of calls a session may have in flight.
func (d Definition) ConcurrencyLimit() int {
	if !d.ConcurrencySafe {
		return 1
	}
	if d.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return d.MaxConcurrency
}

// Address returns host:port for network tools.
func (d Definition) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Endpoint returns the URL the bridge dials for network tools.
func (d Definition) Endpoint() string {
	path := strings.TrimSpace(d.Path)
	switch d.ConnectionType {
	case ConnectionHTTP:
		if path == "" {
			path = "/mcp"
		}
		return "http://" + d.Address() + ensureLeadingSlash(path)
	case ConnectionWebSocket:
		if path == "" {
			path = "/"
		}
		return "ws://" + d.Address() + ensureLeadingSlash(path)
	default:
		return ""
	}
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Env = maps.Clone(d.Env)
	return out
}

// Fingerprint hashes the launch-relevant fields of the definition.
func (d Definition) Fingerprint() string {
	clean := d.Clone()
	clean.Source = ""
	clean.Hash = ""
	payload, err := json.Marshal(clean)
	if err != nil {
		payload = []byte(fmt.Sprintf("%#v", clean))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
