package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies fleet failures. The kind is what crosses the API
// boundary; causes and details stay on the server side.
type ErrorKind string

const (
	// KindConfig is returned for invalid or unknown tool definitions.
	KindConfig ErrorKind = "ConfigError"
	// KindProcessStart is returned when a tool process cannot be spawned or
	// does not become ready within its startup timeout.
	KindProcessStart ErrorKind = "ProcessStartError"
	// KindProcessTimeout is returned when a process-level wait expires.
	KindProcessTimeout ErrorKind = "ProcessTimeoutError"
	// KindProcessCrash is returned when a tool process exits or its pipe breaks.
	KindProcessCrash ErrorKind = "ProcessCrashError"
	// KindProtocol is returned for malformed wire messages and JSON-RPC errors.
	KindProtocol ErrorKind = "ProtocolError"
	// KindToolUnavailable is returned when no instance can serve the call.
	KindToolUnavailable ErrorKind = "ToolUnavailableError"
	// KindSessionExpired is returned for terminated or over-lifetime sessions.
	KindSessionExpired ErrorKind = "SessionExpiredError"
	// KindRequestTimeout is returned when a call outlives its deadline.
	KindRequestTimeout ErrorKind = "RequestTimeoutError"
)

// ToolError is a structured fleet error that keeps its kind and retryability
// while it moves between the bridge, the router and the API facade.
type ToolError struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(string(e.Kind))
	msg := strings.TrimSpace(e.Message)
	switch {
	case kind == "" && msg == "":
		return "tool error"
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return fmt.Sprintf("%s: %s", kind, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds a ToolError. An empty message falls back to the cause text.
func NewError(kind ErrorKind, message string, retryable bool, cause error) *ToolError {
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ToolError{
		Kind:      kind,
		Message:   msg,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Errorf builds a non-retryable ToolError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *ToolError {
	return NewError(kind, fmt.Sprintf(format, args...), false, nil)
}

// WithDetails merges details into err and returns it.
func (e *ToolError) WithDetails(details map[string]any) *ToolError {
	if e == nil || len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		e.Details[key] = value
	}
	return e
}

// AsToolError returns the first ToolError in err's chain.
func AsToolError(err error) (*ToolError, bool) {
	if err == nil {
		return nil, false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr != nil {
		return toolErr, true
	}
	return nil, false
}

// KindOf classifies err. Context deadlines map to RequestTimeoutError and
// anything unclassified maps to ToolUnavailableError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if toolErr, ok := AsToolError(err); ok && toolErr.Kind != "" {
		return toolErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRequestTimeout
	}
	return KindToolUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient failure worth retrying
// against a fresh instance.
func IsRetryable(err error) bool {
	if toolErr, ok := AsToolError(err); ok {
		return toolErr.Retryable
	}
	return false
}
