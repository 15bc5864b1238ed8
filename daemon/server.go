package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/fleet"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/router"
	"github.com/petal-labs/mcpfleet/sse"
	"github.com/petal-labs/mcpfleet/tool"
)

const defaultLogLines = 100

// ServerConfig controls daemon HTTP server dependencies.
type ServerConfig struct {
	Fleet  *fleet.Fleet
	Logger *slog.Logger
}

// Server exposes the fleet API over HTTP.
type Server struct {
	fleet  *fleet.Fleet
	log    *slog.Logger
	events *sse.SSEHandler
}

// NewServer constructs a daemon API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Fleet == nil {
		return nil, errors.New("daemon server requires a fleet")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fleet:  cfg.Fleet,
		log:    logger.With("component", "daemon"),
		events: sse.NewSSEHandler(cfg.Fleet.History(), cfg.Fleet.Events()),
	}, nil
}

// Fleet returns the backing fleet.
func (s *Server) Fleet() *fleet.Fleet {
	return s.fleet
}

// Handler returns an http.Handler exposing daemon APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools", s.handleRegisterTool)
	mux.HandleFunc("GET /api/tools/{name}", s.handleGetTool)
	mux.HandleFunc("DELETE /api/tools/{name}", s.handleDeleteTool)

	mux.HandleFunc("POST /api/tools/{name}/start", s.handleStartTool)
	mux.HandleFunc("POST /api/tools/{name}/stop", s.handleStopTool)
	mux.HandleFunc("POST /api/tools/{name}/restart", s.handleRestartTool)
	mux.HandleFunc("POST /api/tools/{name}/reset", s.handleResetTool)
	mux.HandleFunc("POST /api/tools/{name}/call", s.handleCallTool)
	mux.HandleFunc("GET /api/tools/{name}/logs", s.handleToolLogs)
	mux.Handle("GET /api/tools/{name}/events", s.events)

	mux.HandleFunc("POST /api/discover", s.handleDiscover)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleTerminateSession)
	mux.Handle("GET /api/events", s.events)

	return mux
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

type callToolRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	// Timeout is a Go duration string such as "5s".
	Timeout string `json:"timeout,omitempty"`
}

type discoverRequest struct {
	Paths     []string `json:"paths,omitempty"`
	Recursive bool     `json:"recursive,omitempty"`
}

type discoverResponse struct {
	New       []string `json:"new"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Scanned   int      `json:"scanned"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m := s.fleet.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tools":   s.fleet.Registry().Len(),
		"running": m.Running,
		"failed":  m.Failed,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if raw, ok := queryParam(r, "capabilities"); ok {
		withCaps, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "capabilities must be a boolean", nil)
			return
		}
		if withCaps {
			writeJSON(w, http.StatusOK, map[string]any{
				"tools": s.fleet.ListAvailableTools(r.Context()),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.fleet.Statuses(),
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	status, err := s.fleet.GetToolStatus(toolName(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var def tool.Definition
	if err := decodeJSONBody(r, &def); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if err := s.fleet.Register(r.Context(), def); err != nil {
		s.writeServiceError(w, err)
		return
	}
	status, _ := s.fleet.GetToolStatus(strings.TrimSpace(def.Name))
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	name := toolName(r)
	found, err := s.fleet.Unregister(r.Context(), name)
	if !found {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("tool %q not found", name), nil)
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTool(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.StartTool(r.Context(), toolName(r))
	s.writeLifecycle(w, st, err)
}

func (s *Server) handleStopTool(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.StopTool(r.Context(), toolName(r))
	s.writeLifecycle(w, st, err)
}

func (s *Server) handleRestartTool(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.RestartTool(r.Context(), toolName(r))
	s.writeLifecycle(w, st, err)
}

func (s *Server) handleResetTool(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.ResetTool(r.Context(), toolName(r))
	s.writeLifecycle(w, st, err)
}

func (s *Server) writeLifecycle(w http.ResponseWriter, status fleet.ToolStatus, err error) {
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCallTool always answers 200 once the body parses; call failures are
// reported inside the CallResult.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "method is required", nil)
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		parsed, err := time.ParseDuration(req.Timeout)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "timeout must be a non-negative duration", nil)
			return
		}
		timeout = parsed
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	result := s.fleet.Call(r.Context(), router.Request{
		Tool:      toolName(r),
		Method:    req.Method,
		Params:    params,
		SessionID: req.SessionID,
		Timeout:   timeout,
		Origin:    bridge.OriginAPI,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleToolLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw, ok := queryParam(r, "n"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "n must be a non-negative integer", nil)
			return
		}
		n = parsed
	}
	name := toolName(r)
	if _, err := s.fleet.GetToolStatus(name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	lines := s.fleet.Logs(name, n)
	if lines == nil {
		lines = []process.LogLine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool":  name,
		"lines": lines,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
			return
		}
	}
	if len(req.Paths) == 0 && len(s.fleet.Config().Discovery.Paths) == 0 {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "no discovery paths given or configured", nil)
		return
	}

	result, err := s.fleet.DiscoverTools(r.Context(), req.Paths, req.Recursive)
	resp := discoverResponse{
		New:       definitionNames(result.New),
		Updated:   definitionNames(result.Updated),
		Removed:   append([]string{}, result.Removed...),
		Unchanged: len(result.Unchanged),
		Skipped:   len(result.Skipped),
		Scanned:   result.Scanned,
	}
	if err != nil {
		if resp.Scanned == 0 {
			s.writeServiceError(w, err)
			return
		}
		s.log.Warn("discovery applied with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.GetMetrics())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.fleet.Sessions()
	if name, ok := queryParam(r, "tool"); ok && name != "" {
		filtered := sessions[:0]
		for _, info := range sessions {
			if info.Tool == name {
				filtered = append(filtered, info)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !s.fleet.TerminateSession(id) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, process.ErrInvalidTransition) {
		writeJSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
		return
	}

	var details map[string]any
	if te, ok := tool.AsToolError(err); ok {
		details = te.Details
	}
	switch kind := tool.KindOf(err); kind {
	case tool.KindConfig:
		writeJSONError(w, http.StatusBadRequest, errorCode(kind), err.Error(), details)
	case tool.KindToolUnavailable:
		if strings.Contains(err.Error(), "is not registered") {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), details)
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, errorCode(kind), err.Error(), details)
	case tool.KindSessionExpired:
		writeJSONError(w, http.StatusGone, errorCode(kind), err.Error(), details)
	case tool.KindRequestTimeout:
		writeJSONError(w, http.StatusGatewayTimeout, errorCode(kind), err.Error(), details)
	case tool.KindProcessStart, tool.KindProcessTimeout, tool.KindProcessCrash, tool.KindProtocol:
		writeJSONError(w, http.StatusBadGateway, errorCode(kind), err.Error(), details)
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

// errorCode renders a kind as an API code: ToolUnavailableError becomes
// TOOL_UNAVAILABLE.
func errorCode(kind tool.ErrorKind) string {
	name := strings.TrimSuffix(string(kind), "Error")
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

func toolName(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("name"))
}

func definitionNames(defs []tool.Definition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
