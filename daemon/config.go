package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/mcpfleet/fleet"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	// EnvConfigPath overrides config discovery when --config is not given.
	EnvConfigPath = "MCPFLEET_CONFIG"

	projectConfigName = "mcpfleet.yaml"
	homeConfigName    = "config.yaml"
)

// FleetConfigFile is the on-disk fleet file: fleet settings plus tool
// declarations keyed by name.
type FleetConfigFile struct {
	Fleet fleet.Config               `yaml:"fleet"`
	Tools map[string]tool.Definition `yaml:"tools"`

	// Path is the file the config was read from.
	Path string `yaml:"-"`
}

// DiscoverConfigPath resolves the fleet file location with first-match
// semantics: explicit path, $MCPFLEET_CONFIG, ./mcpfleet.yaml, then
// ~/.mcpfleet/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, os.Getenv(EnvConfigPath), cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, envPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	if explicit == "" {
		explicit = strings.TrimSpace(envPath)
	}

	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".mcpfleet", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and validates a fleet file. Relative discovery paths
// resolve against the file's directory.
func LoadConfig(path string) (FleetConfigFile, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfigFile{}, fmt.Errorf("reading fleet config %q: %w", path, err)
	}
	cfg, err := ParseConfig(data, filepath.Dir(path))
	if err != nil {
		return FleetConfigFile{}, fmt.Errorf("fleet config %q: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// ParseConfig decodes and validates fleet file content.
func ParseConfig(data []byte, baseDir string) (FleetConfigFile, error) {
	var cfg FleetConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FleetConfigFile{}, tool.Errorf(tool.KindConfig, "parsing fleet config: %v", err)
	}
	for i, p := range cfg.Fleet.Discovery.Paths {
		p = os.ExpandEnv(strings.TrimSpace(p))
		if p != "" && !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		cfg.Fleet.Discovery.Paths[i] = p
	}
	if err := cfg.Fleet.Validate(); err != nil {
		return FleetConfigFile{}, err
	}

	var errs []error
	for _, def := range cfg.Definitions(baseDir) {
		if err := tool.Validate(def); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", def.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return FleetConfigFile{}, err
	}
	return cfg, nil
}

// Definitions returns the declared tools sorted by name, with ${VAR}
// references expanded.
func (c FleetConfigFile) Definitions(baseDir string) []tool.Definition {
	if baseDir == "" && c.Path != "" {
		baseDir = filepath.Dir(c.Path)
	}
	return tool.DeclarationsFromMap(c.Tools, baseDir)
}
