package supervisor

import (
	"time"

	"github.com/kldeb/lambdev/internal/invoke"
)

type workerState int

const (
	// workerStarting covers process spawn up to the first protocol poll.
	workerStarting workerState = iota
	workerIdle
	workerBusy
	workerStopped
)

func (s workerState) String() string {
	switch s {
	case workerStarting:
		return "starting"
	case workerIdle:
		return "idle"
	case workerBusy:
		return "busy"
	case workerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// worker is one process slot in a function's pool. All fields are guarded by
// the owning pool's mutex; the mailbox and stop channel are the only parts
// touched from outside the lock (by the long-poll handler).
type worker struct {
	id         string
	function   string
	generation uint64
	state      workerState

	// mailbox holds at most the single invocation currently assigned to
	// this worker; it is drained by the worker's next-invocation poll.
	mailbox chan *invoke.Invocation
	// stop is closed when the worker is retired so a pending poll unblocks.
	stop chan struct{}

	proc      Process
	currentID string
	spawnedAt time.Time
	retired   bool
}

func (w *worker) busy() bool {
	return w.currentID != ""
}
