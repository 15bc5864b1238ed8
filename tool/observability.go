package tool

import "time"

// CallObservation captures one routed call outcome.
type CallObservation struct {
	ToolName   string
	Method     string
	Transport  ConnectionType
	SessionID  string
	Attempts   int
	DurationMS int64
	Success    bool
	ErrorKind  ErrorKind
}

// RetryObservation captures one retry of a routed call.
type RetryObservation struct {
	ToolName  string
	Method    string
	Transport ConnectionType
	Attempt   int
	ErrorKind ErrorKind
}

// HealthObservation captures one health probe outcome.
type HealthObservation struct {
	ToolName            string
	Healthy             bool
	ConsecutiveFailures int
	DurationMS          int64
	Interval            time.Duration
	ErrorKind           ErrorKind
}

// RestartObservation captures one restart attempt made by the process manager.
type RestartObservation struct {
	ToolName  string
	Attempt   int
	Delay     time.Duration
	Reason    string
	Succeeded bool
	ErrorKind ErrorKind
}

// Observer receives fleet-level observability events. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	ObserveCall(observation CallObservation)
	ObserveRetry(observation RetryObservation)
	ObserveHealth(observation HealthObservation)
	ObserveRestart(observation RestartObservation)
}

// NopObserver discards every observation.
type NopObserver struct{}

func (NopObserver) ObserveCall(CallObservation)       {}
func (NopObserver) ObserveRetry(RetryObservation)     {}
func (NopObserver) ObserveHealth(HealthObservation)   {}
func (NopObserver) ObserveRestart(RestartObservation) {}

// ObserverOrNop returns o, or a NopObserver when o is nil.
func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
