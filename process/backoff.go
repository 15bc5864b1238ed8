package process

import "time"

const (
	DefaultRestartBaseDelay = time.Second
	DefaultRestartMaxDelay  = 30 * time.Second
)

// Backoff is the restart schedule of one tool: attempt n waits
// min(Base*2^n, Max), and at most MaxAttempts restarts are made.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultRestartBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultRestartMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait before restart attempt n (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Exhausted reports whether attempts restarts have used up the budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

// Schedule returns every delay the budget allows, in order.
func (b Backoff) Schedule() []time.Duration {
	if b.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, b.MaxAttempts)
	for i := range out {
		out[i] = b.Delay(i)
	}
	return out
}

// Total is the sum of the schedule: the longest a crash loop can keep a tool
// out of RUNNING before it converges to FAILED, not counting startup time.
func (b Backoff) Total() time.Duration {
	var total time.Duration
	for _, d := range b.Schedule() {
		total += d
	}
	return total
}
