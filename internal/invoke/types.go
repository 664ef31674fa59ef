// Package invoke provides invocation records and the correlation table that
// links ingress requests to results posted by worker processes.
package invoke

// Kind classifies an emulator-level failure of an invocation.
type Kind string

const (
	// KindNotFound means the target function is not registered.
	KindNotFound Kind = "NotFound"
	// KindBuildFailed means the function's last build did not succeed.
	KindBuildFailed Kind = "BuildFailed"
	// KindInitError means the worker process failed before its first poll.
	KindInitError Kind = "InitError"
	// KindWorkerCrashed means the worker process exited mid-invocation.
	KindWorkerCrashed Kind = "WorkerCrashed"
	// KindRuntimeProtocol means a malformed payload was posted to the runtime surface.
	KindRuntimeProtocol Kind = "RuntimeProtocolError"
	// KindTimeout means the invocation deadline elapsed before a result arrived.
	KindTimeout Kind = "InvocationTimeout"
	// KindDiscarded means the invocation was invalidated and could not be retried.
	KindDiscarded Kind = "Discarded"
	// KindPayloadTooLarge means the ingress body exceeded the configured limit.
	KindPayloadTooLarge Kind = "PayloadTooLarge"
)

// State is the lifecycle state of an invocation.
type State int32

const (
	StateQueued State = iota
	StateDispatched
	StateResponded
	StateErrored
	StateTimedOut
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateResponded:
		return "responded"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// FunctionError is an error reported by the function's own handler through
// the runtime surface. It is application-level output, not an emulator fault.
type FunctionError struct {
	Type       string   `json:"errorType"`
	Message    string   `json:"errorMessage"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

// Fault is an emulator-level failure, classified by Kind.
type Fault struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Outcome is the single resolution of an invocation. Exactly one of the
// fields is set.
type Outcome struct {
	// Response is the raw payload posted by the worker on success.
	Response []byte
	// FnError is set when the handler reported an error.
	FnError *FunctionError
	// Fault is set when the emulator failed the invocation.
	Fault *Fault
}

// Label returns a short name for the outcome, used in logs and metrics.
func (o Outcome) Label() string {
	switch {
	case o.FnError != nil:
		return "function_error"
	case o.Fault != nil:
		return string(o.Fault.Kind)
	default:
		return "success"
	}
}
