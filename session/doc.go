// Package session binds callers to tool instances.
//
// A Session moves ACTIVE -> IDLE -> HIBERNATING as a periodic Sweep compares
// its last activity against the configured timeouts, wakes back to ACTIVE on
// the next Acquire, and is TERMINATED explicitly or once it outlives
// MaxLifetime. The sweep reads time from an injected Clock so the lifecycle
// can be driven without waiting.
//
// Calls through one session are admitted in FIFO order by a weighted
// semaphore sized to the tool's concurrency limit. A global semaphore caps
// live sessions; ephemeral sessions are pooled per tool for reuse.
package session
