// Package sse provides a Server-Sent Events handler that streams fleet
// lifecycle events to HTTP clients. It replays recent events from the
// history and then follows the live event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/mcpfleet/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// SSEHandler serves an SSE stream of lifecycle events. It subscribes to the
// live bus first, replays held events from the history, then streams live
// events. Duplicate events (by sequence number) are skipped.
//
// The stream is scoped to one tool by a "name" path value or a "tool" query
// parameter, and covers the whole fleet otherwise. The cursor is the "after"
// query parameter or the Last-Event-ID header. follow=false closes the
// stream once the replay is written.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds.
type SSEHandler struct {
	history *bus.History
	bus     bus.EventBus
}

// NewSSEHandler creates a new SSEHandler. history may be nil, in which case
// only live events are streamed.
func NewSSEHandler(history *bus.History, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{
		history: history,
		bus:     eb,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	toolName := r.PathValue("name")
	if toolName == "" {
		toolName = r.URL.Query().Get("tool")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cursor := r.URL.Query().Get("after")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}
	var afterSeq uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}
	follow := r.URL.Query().Get("follow") != "false"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so events published in between are not lost.
	var sub bus.Subscription
	if follow && h.bus != nil {
		if toolName != "" {
			sub = h.bus.Subscribe(toolName)
		} else {
			sub = h.bus.SubscribeAll()
		}
		defer sub.Close()
	}

	lastSeq := afterSeq
	if err := h.replay(ctx, w, flusher, toolName, afterSeq, &lastSeq); err != nil || sub == nil {
		return
	}
	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

func (h *SSEHandler) replay(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	toolName string,
	afterSeq uint64,
	lastSeq *uint64,
) error {
	if h.history == nil {
		return nil
	}
	for _, evt := range h.history.List(toolName, afterSeq, 0) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
		flusher.Flush()
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
	}
	return nil
}

// streamLive streams events from the live subscription, deduplicating against
// already-sent sequence numbers.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
