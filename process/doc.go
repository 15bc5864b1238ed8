// Package process runs tool instances as OS processes and owns their
// lifecycle.
//
// Every tool name has at most one Instance. Transitions follow the table
//
//	STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED
//	STARTING | RUNNING -> ERROR
//	ERROR -> STARTING   (backoff restart while budget remains)
//	ERROR -> FAILED     (auto-restart off or budget spent)
//	FAILED -> STOPPED   (Reset only)
//
// and are serialized per tool. Each transition is published on the event bus.
// A wait goroutine per process turns unexpected exits into ProcessCrashErrors
// and schedules recovery with exponential Backoff.
package process
