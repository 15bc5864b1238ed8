package process

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 6}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 100 * time.Millisecond},
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 800 * time.Millisecond},
		{attempt: 4, want: time.Second},
		{attempt: 60, want: time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != DefaultRestartBaseDelay {
		t.Fatalf("Delay(0) = %v, want %v", got, DefaultRestartBaseDelay)
	}
	if got := b.Delay(10); got != DefaultRestartMaxDelay {
		t.Fatalf("Delay(10) = %v, want %v", got, DefaultRestartMaxDelay)
	}
	if !b.Exhausted(0) {
		t.Fatal("zero budget should be exhausted immediately")
	}
}

func TestBackoffScheduleAndTotal(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond, MaxAttempts: 3}
	got := b.Schedule()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("Schedule() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Schedule()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if total := b.Total(); total != 55*time.Millisecond {
		t.Fatalf("Total() = %v, want 55ms", total)
	}
	if b.Exhausted(2) || !b.Exhausted(3) {
		t.Fatal("Exhausted should flip at MaxAttempts")
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]State{
		{StateStopped, StateStarting},
		{StateStarting, StateRunning},
		{StateStarting, StateError},
		{StateRunning, StateStopping},
		{StateRunning, StateError},
		{StateStopping, StateStopped},
		{StateError, StateStarting},
		{StateError, StateFailed},
		{StateFailed, StateStopped},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("CanTransition(%s, %s) = false, want true", pair[0], pair[1])
		}
	}

	denied := [][2]State{
		{StateStopped, StateRunning},
		{StateFailed, StateStarting},
		{StateRunning, StateStarting},
		{StateStopping, StateRunning},
	}
	for _, pair := range denied {
		if err := checkTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("checkTransition(%s, %s) = nil, want error", pair[0], pair[1])
		}
	}
}
