package tool

import (
	"fmt"
	"regexp"
	"strings"
)

var definitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks a definition and returns a ConfigError describing every
// problem found.
func Validate(def Definition) error {
	var problems []string
	name := strings.TrimSpace(def.Name)
	switch {
	case name == "":
		problems = append(problems, "name is required")
	case !definitionNamePattern.MatchString(name):
		problems = append(problems, fmt.Sprintf("name %q must be alphanumeric with . _ or -", name))
	}

	connection := def.ConnectionType
	if connection == "" {
		connection = ConnectionStdio
	}
	if !connection.Valid() {
		problems = append(problems, fmt.Sprintf("connection_type %q must be stdio, http, or websocket", def.ConnectionType))
	}

	if strings.TrimSpace(def.Command) == "" {
		// Network tools may point at an endpoint that is managed elsewhere.
		if connection == ConnectionStdio || !connection.Valid() {
			problems = append(problems, "command is required")
		}
	}
	if connection.Network() {
		if def.Port <= 0 || def.Port > 65535 {
			problems = append(problems, fmt.Sprintf("port %d is out of range", def.Port))
		}
	}
	if def.StartupTimeout < 0 {
		problems = append(problems, "startup_timeout must not be negative")
	}
	if def.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if def.MaxRestartAttempts < 0 {
		problems = append(problems, "max_restart_attempts must not be negative")
	}
	if def.MaxConcurrency < 0 {
		problems = append(problems, "max_concurrency must not be negative")
	}
	for key := range def.Env {
		if strings.TrimSpace(key) == "" || strings.Contains(key, "=") {
			problems = append(problems, fmt.Sprintf("env key %q is invalid", key))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	label := name
	if label == "" {
		label = "<unnamed>"
	}
	return Errorf(KindConfig, "tool %q: %s", label, strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}
