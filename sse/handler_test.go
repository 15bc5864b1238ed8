package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/sse"
)

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// readMessages reads SSE messages until n have arrived or the stream ends.
func readMessages(r io.Reader, n int) []sseMessage {
	return scanMessages(bufio.NewScanner(r), n)
}

func scanMessages(scanner *bufio.Scanner, n int) []sseMessage {
	var msgs []sseMessage

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
				if n > 0 && len(msgs) >= n {
					return msgs
				}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

type fixture struct {
	bus     *bus.MemBus
	history *bus.History
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:     bus.NewMemBus(bus.MemBusConfig{}),
		history: bus.NewHistory(16),
	}
	go bus.Pump(f.bus.SubscribeAll(), f.history.Handle)

	mux := http.NewServeMux()
	handler := sse.NewSSEHandler(f.history, f.bus)
	mux.Handle("GET /events", handler)
	mux.Handle("GET /tools/{name}/events", handler)
	f.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.server.Close()
		_ = f.bus.Close()
	})
	return f
}

// publish sends an event and waits until the history holds it.
func (f *fixture) publish(t *testing.T, e bus.Event) {
	t.Helper()
	before := len(f.history.List("", 0, 0))
	f.bus.Publish(e)
	deadline := time.Now().Add(time.Second)
	for len(f.history.List("", 0, 0)) == before {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the history")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSSEHandler_ReplayWithoutFollow(t *testing.T) {
	f := newFixture(t)
	f.publish(t, bus.Transition(bus.EventInstanceState, "echo", "STOPPED", "STARTING"))
	f.publish(t, bus.Transition(bus.EventInstanceState, "echo", "STARTING", "RUNNING"))
	f.publish(t, bus.Transition(bus.EventInstanceState, "other", "STOPPED", "STARTING"))

	resp, err := http.Get(f.server.URL + "/events?follow=false")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	msgs := readMessages(resp.Body, 0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[0].Event != string(bus.EventInstanceState) {
		t.Fatalf("first message = %+v", msgs[0])
	}

	var parsed bus.Event
	if err := json.Unmarshal([]byte(msgs[1].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed.Tool != "echo" || parsed.To != "RUNNING" {
		t.Fatalf("second event = %+v", parsed)
	}
}

func TestSSEHandler_ToolScopeAndCursor(t *testing.T) {
	f := newFixture(t)
	f.publish(t, bus.Transition(bus.EventInstanceState, "echo", "STOPPED", "STARTING"))
	f.publish(t, bus.Transition(bus.EventInstanceState, "other", "STOPPED", "STARTING"))
	f.publish(t, bus.Transition(bus.EventInstanceState, "echo", "STARTING", "RUNNING"))

	resp, err := http.Get(f.server.URL + "/tools/echo/events?follow=false&after=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	msgs := readMessages(resp.Body, 0)
	if len(msgs) != 1 || msgs[0].ID != "3" {
		t.Fatalf("messages = %+v, want only id 3", msgs)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/events?follow=false", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if msgs := readMessages(resp2.Body, 0); len(msgs) != 1 || msgs[0].ID != "3" {
		t.Fatalf("Last-Event-ID messages = %+v, want only id 3", msgs)
	}
}

func TestSSEHandler_InvalidCursor(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/events?after=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandler_ReplayThenLive(t *testing.T) {
	f := newFixture(t)
	f.publish(t, bus.Transition(bus.EventInstanceState, "echo", "STOPPED", "STARTING"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/tools/echo/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	replayed := scanMessages(scanner, 1)
	if len(replayed) != 1 || replayed[0].ID != "1" {
		t.Fatalf("replayed = %+v", replayed)
	}

	f.bus.Publish(bus.Transition(bus.EventInstanceState, "other", "STOPPED", "STARTING"))
	f.bus.Publish(bus.Transition(bus.EventInstanceState, "echo", "STARTING", "RUNNING"))

	live := scanMessages(scanner, 1)
	if len(live) != 1 {
		t.Fatal("no live event received")
	}
	var parsed bus.Event
	if err := json.Unmarshal([]byte(live[0].Data), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Tool != "echo" || parsed.To != "RUNNING" || parsed.Seq != 3 {
		t.Fatalf("live event = %+v", parsed)
	}
}
