package tool

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeclarationFile is the `tools:` section shared by the fleet config and
// *.mcp.yaml discovery sources.
type DeclarationFile struct {
	Tools map[string]Definition `yaml:"tools"`
}

// ParseDeclarations decodes a YAML tools map. Map keys name the tools,
// ${VAR} references are expanded, and relative working directories resolve
// against baseDir.
func ParseDeclarations(data []byte, baseDir string) ([]Definition, error) {
	var file DeclarationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, Errorf(KindConfig, "parsing tool declarations: %v", err)
	}
	return DeclarationsFromMap(file.Tools, baseDir), nil
}

// DeclarationsFromMap turns a name-keyed map into definitions sorted by name.
func DeclarationsFromMap(tools map[string]Definition, baseDir string) []Definition {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	slices.Sort(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		def := expandDefinition(tools[name])
		def.Name = strings.TrimSpace(name)
		if def.WorkingDirectory != "" {
			def.WorkingDirectory = resolveRelative(baseDir, def.WorkingDirectory)
		}
		defs = append(defs, def)
	}
	return defs
}

type mcpServersFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// ParseMCPServers decodes the common `mcpServers` JSON layout used by MCP
// client configuration files.
func ParseMCPServers(data []byte, baseDir string) ([]Definition, error) {
	var file mcpServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, Errorf(KindConfig, "parsing mcpServers config: %v", err)
	}

	names := make([]string, 0, len(file.MCPServers))
	for name := range file.MCPServers {
		names = append(names, name)
	}
	slices.Sort(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		entry := file.MCPServers[name]
		def := Definition{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
		}
		if entry.Cwd != "" {
			def.WorkingDirectory = resolveRelative(baseDir, os.ExpandEnv(entry.Cwd))
		}
		if strings.TrimSpace(entry.URL) != "" {
			if err := applyEndpointURL(&def, os.ExpandEnv(entry.URL)); err != nil {
				return nil, Errorf(KindConfig, "tool %q: %v", name, err)
			}
		}
		defs = append(defs, expandDefinition(def))
	}
	return defs, nil
}

func applyEndpointURL(def *Definition, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "http", "https":
		def.ConnectionType = ConnectionHTTP
	case "ws", "wss":
		def.ConnectionType = ConnectionWebSocket
	default:
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	host, portText, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		host = parsed.Host
		portText = "80"
		if parsed.Scheme == "https" || parsed.Scheme == "wss" {
			portText = "443"
		}
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return fmt.Errorf("invalid port in %q", raw)
	}
	def.Host = host
	def.Port = port
	def.Path = parsed.RequestURI()
	return nil
}

func expandDefinition(def Definition) Definition {
	def = def.Clone()
	def.Command = os.ExpandEnv(def.Command)
	def.WorkingDirectory = os.ExpandEnv(def.WorkingDirectory)
	def.Host = os.ExpandEnv(def.Host)
	for i, arg := range def.Args {
		def.Args[i] = os.ExpandEnv(arg)
	}
	for key, value := range def.Env {
		def.Env[key] = os.ExpandEnv(value)
	}
	return def
}

func resolveRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || baseDir == "" {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
