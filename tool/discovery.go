package tool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const defaultDiscoveryMaxFileSize = 1 << 20

// DiscoveryOptions controls a discovery scan.
type DiscoveryOptions struct {
	Paths       []string
	Recursive   bool
	MaxFileSize int64
}

// Candidate is one tool detected during a scan.
type Candidate struct {
	Path       string     `json:"path"`
	Reasons    []string   `json:"reasons"`
	Definition Definition `json:"definition"`
}

// DiscoveryResult classifies scanned candidates against the current registry.
type DiscoveryResult struct {
	New       []Definition `json:"new"`
	Updated   []Definition `json:"updated"`
	Removed   []string     `json:"removed"`
	Unchanged []string     `json:"unchanged,omitempty"`
	Skipped   []string     `json:"skipped,omitempty"`
	Scanned   int          `json:"scanned"`
}

// Empty reports whether the scan changed nothing.
func (r DiscoveryResult) Empty() bool {
	return len(r.New) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

var scriptInterpreters = map[string][]string{
	".py":  {"python3"},
	".js":  {"node"},
	".mjs": {"node"},
	".cjs": {"node"},
	".ts":  {"npx", "tsx"},
	".sh":  {"sh"},
}

var filenameKeywords = []string{"mcp", "server"}

var contentMarkers = [][]byte{
	[]byte("modelcontextprotocol"),
	[]byte("FastMCP"),
	[]byte("mcp.server"),
	[]byte("McpServer"),
	[]byte("jsonrpc"),
}

var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
}

// Discover scans opts.Paths for tool candidates and diffs them against
// current. Only definitions whose Source lies under a scanned path can be
// reported as removed.
func Discover(ctx context.Context, current []Definition, opts DiscoveryOptions) (DiscoveryResult, error) {
	if len(opts.Paths) == 0 {
		return DiscoveryResult{}, Errorf(KindConfig, "discovery requires at least one path")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultDiscoveryMaxFileSize
	}

	var (
		result     DiscoveryResult
		candidates []Candidate
		roots      []string
	)
	for _, raw := range opts.Paths {
		root, err := filepath.Abs(strings.TrimSpace(raw))
		if err != nil {
			return DiscoveryResult{}, fmt.Errorf("tool: resolve discovery path %q: %w", raw, err)
		}
		roots = append(roots, root)
		files, err := discoveryFiles(root, opts.Recursive)
		if err != nil {
			return DiscoveryResult{}, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return DiscoveryResult{}, err
			}
			result.Scanned++
			found, err := detectCandidates(path, opts.MaxFileSize)
			if err != nil {
				result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			candidates = append(candidates, found...)
		}
	}

	existing := make(map[string]Definition, len(current))
	for _, def := range current {
		existing[def.Name] = def
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		def := candidate.Definition
		if _, dup := seen[def.Name]; dup {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: duplicate tool name %q", candidate.Path, def.Name))
			continue
		}
		if err := Validate(def); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", candidate.Path, err))
			continue
		}
		seen[def.Name] = struct{}{}

		prior, ok := existing[def.Name]
		switch {
		case !ok:
			result.New = append(result.New, def)
		case prior.Hash != def.Hash:
			result.Updated = append(result.Updated, def)
		default:
			result.Unchanged = append(result.Unchanged, def.Name)
		}
	}

	for _, def := range current {
		if def.Source == "" {
			continue
		}
		if _, ok := seen[def.Name]; ok {
			continue
		}
		if underAnyRoot(def.Source, roots) {
			result.Removed = append(result.Removed, def.Name)
		}
	}
	slices.Sort(result.Removed)
	return result, nil
}

// Discover scans for candidates against the registry's current contents.
// The registry itself is not modified; see Apply.
func (r *Registry) Discover(ctx context.Context, opts DiscoveryOptions) (DiscoveryResult, error) {
	return Discover(ctx, r.List(), opts)
}

func discoveryFiles(root string, recursive bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tool: discovery path %q: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	pattern := "*"
	if recursive {
		pattern = "**/*"
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("tool: discovery glob in %q: %w", root, err)
	}

	files := make([]string, 0, len(matches))
	for _, match := range matches {
		if inSkippedDir(match) {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(match))
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return files, nil
}

func detectCandidates(path string, maxSize int64) ([]Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, nil
	}

	base := strings.ToLower(filepath.Base(path))
	switch {
	case base == "mcp.json" || strings.HasSuffix(base, ".mcp.json"):
		return configCandidates(path, ParseMCPServers)
	case strings.HasSuffix(base, ".mcp.yaml") || strings.HasSuffix(base, ".mcp.yml"):
		return configCandidates(path, ParseDeclarations)
	}

	ext := filepath.Ext(base)
	interpreter, knownExt := scriptInterpreters[ext]
	executable := info.Mode().Perm()&0o111 != 0
	if !knownExt && !executable {
		return nil, nil
	}

	// #nosec G304 -- path comes from an operator-supplied discovery root.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var reasons []string
	score := 0
	if knownExt {
		reasons = append(reasons, "extension")
		score++
	}
	keyword := hasFilenameKeyword(strings.TrimSuffix(base, ext))
	if keyword {
		reasons = append(reasons, "filename")
		score++
	}
	if executable {
		reasons = append(reasons, "executable")
		score++
	}
	marker := hasContentMarker(content)
	if marker {
		reasons = append(reasons, "content")
		score += 2
	}
	if !(marker || keyword) || score < 2 {
		return nil, nil
	}

	def := Definition{
		Name:               discoveredName(filepath.Base(path)),
		WorkingDirectory:   filepath.Dir(path),
		ConnectionType:     ConnectionStdio,
		AutoRestart:        true,
		MaxRestartAttempts: DefaultMaxRestartAttempts,
		Source:             path,
		Hash:               contentHash(content),
	}
	if knownExt {
		def.Command = interpreter[0]
		def.Args = append(slices.Clone(interpreter[1:]), path)
	} else {
		def.Command = path
	}
	return []Candidate{{Path: path, Reasons: reasons, Definition: def}}, nil
}

func configCandidates(path string, parse func([]byte, string) ([]Definition, error)) ([]Candidate, error) {
	// #nosec G304 -- path comes from an operator-supplied discovery root.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(defs))
	for _, def := range defs {
		def.Source = path
		def.Hash = def.Fingerprint()
		out = append(out, Candidate{Path: path, Reasons: []string{"config"}, Definition: def})
	}
	return out, nil
}

func hasFilenameKeyword(stem string) bool {
	for _, keyword := range filenameKeywords {
		if strings.Contains(stem, keyword) {
			return true
		}
	}
	return false
}

func hasContentMarker(content []byte) bool {
	for _, marker := range contentMarkers {
		if bytes.Contains(content, marker) {
			return true
		}
	}
	return false
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func discoveredName(base string) string {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	builder := strings.Builder{}
	for _, r := range strings.ToLower(stem) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if valid {
			builder.WriteRune(r)
			continue
		}
		out := builder.String()
		if builder.Len() == 0 || out[len(out)-1] == '-' {
			continue
		}
		builder.WriteRune('-')
	}
	out := strings.Trim(builder.String(), "-")
	if out == "" {
		return "tool"
	}
	return out
}

func inSkippedDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		if _, skip := skippedDirs[part]; skip {
			return true
		}
	}
	return false
}

func underAnyRoot(source string, roots []string) bool {
	abs, err := filepath.Abs(source)
	if err != nil {
		return false
	}
	for _, root := range roots {
		if abs == root {
			return true
		}
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
