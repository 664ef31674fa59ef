package invoke

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Invocation is one request/response cycle dispatched to a function. It is
// created by the ingress router, assigned to a worker by the supervisor, and
// resolved exactly once by whichever of {worker result, deadline timer,
// restart discard} happens first.
type Invocation struct {
	ID         string
	Function   string
	Payload    []byte
	TraceID    string
	EnqueuedAt time.Time
	Deadline   time.Time

	mu         sync.Mutex
	state      State
	workerID   string
	generation uint64

	done  chan Outcome
	timer *time.Timer
}

// New creates a queued invocation with a fresh identifier.
func New(function string, payload []byte, timeout time.Duration) *Invocation {
	now := time.Now()
	return &Invocation{
		ID:         uuid.New().String(),
		Function:   function,
		Payload:    payload,
		TraceID:    uuid.New().String(),
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
		state:      StateQueued,
		done:       make(chan Outcome, 1),
	}
}

// Done returns the channel that receives the invocation's single outcome.
func (inv *Invocation) Done() <-chan Outcome {
	return inv.done
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// MarkDispatched transitions Queued -> Dispatched and records the worker and
// its generation. It fails if the invocation already left the Queued state
// (for example the deadline fired while it sat in the backlog).
func (inv *Invocation) MarkDispatched(workerID string, generation uint64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateQueued {
		return false
	}
	inv.state = StateDispatched
	inv.workerID = workerID
	inv.generation = generation
	return true
}

// DispatchedTo reports whether the invocation is currently dispatched to the
// given worker at the given generation. Late results from a worker whose
// generation has advanced fail this check and are absorbed by the caller.
func (inv *Invocation) DispatchedTo(workerID string, generation uint64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state == StateDispatched &&
		inv.workerID == workerID &&
		inv.generation == generation
}

// Requeue transitions Dispatched -> Queued so the invocation can be assigned
// again after a restart invalidated its worker. It fails on any terminal
// state, in which case the caller must not re-enqueue.
func (inv *Invocation) Requeue() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateDispatched {
		return false
	}
	inv.state = StateQueued
	inv.workerID = ""
	inv.generation = 0
	return true
}

// Resolve writes the outcome and moves the invocation to its terminal state.
// The first caller wins; all later attempts return false and the outcome is
// dropped. The deadline timer, if armed, is stopped.
func (inv *Invocation) Resolve(out Outcome) bool {
	inv.mu.Lock()
	if inv.terminal() {
		inv.mu.Unlock()
		return false
	}
	switch {
	case out.Fault != nil && out.Fault.Kind == KindTimeout:
		inv.state = StateTimedOut
	case out.Fault != nil && out.Fault.Kind == KindDiscarded:
		inv.state = StateDiscarded
	case out.Fault != nil || out.FnError != nil:
		inv.state = StateErrored
	default:
		inv.state = StateResponded
	}
	timer := inv.timer
	inv.timer = nil
	inv.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	inv.done <- out
	return true
}

// ArmDeadline starts the timer that resolves the invocation as TimedOut when
// the deadline elapses. onTimeout runs only if the timer won the resolution
// race.
func (inv *Invocation) ArmDeadline(onTimeout func(*Invocation)) {
	d := time.Until(inv.Deadline)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.terminal() || inv.timer != nil {
		return
	}
	inv.timer = time.AfterFunc(d, func() {
		if inv.Resolve(Outcome{Fault: &Fault{Kind: KindTimeout, Message: "deadline elapsed"}}) {
			if onTimeout != nil {
				onTimeout(inv)
			}
		}
	})
}

// Expired reports whether the deadline has already passed.
func (inv *Invocation) Expired() bool {
	return time.Now().After(inv.Deadline)
}

func (inv *Invocation) terminal() bool {
	switch inv.state {
	case StateResponded, StateErrored, StateTimedOut, StateDiscarded:
		return true
	}
	return false
}
