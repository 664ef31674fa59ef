package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/metrics"
	"github.com/kldeb/lambdev/internal/registry"
)

// pool owns the workers and FIFO backlog of a single function. Everything is
// serialized by its own mutex; pools of different functions never share
// state, so a restart of one function cannot block another.
type pool struct {
	sup      *Supervisor
	function string

	mu      sync.Mutex
	workers []*worker
	backlog []*invoke.Invocation
	closing bool
}

// assign hands an invocation to an idle worker, spawns a new worker if the
// pool is below its concurrency limit, or appends to the backlog.
func (p *pool) assign(inv *invoke.Invocation, desc *registry.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		inv.Resolve(invoke.Outcome{Fault: &invoke.Fault{
			Kind:    invoke.KindDiscarded,
			Message: "emulator shutting down",
		}})
		return
	}

	if w := p.idleWorkerLocked(); w != nil {
		p.dispatchLocked(w, inv)
		return
	}

	if len(p.workers) < desc.Concurrency {
		w, err := p.spawnLocked(desc)
		if err != nil {
			log.Error().Err(err).Str("function", p.function).Msg("Failed to spawn worker")
			inv.Resolve(invoke.Outcome{Fault: &invoke.Fault{
				Kind:    invoke.KindInitError,
				Message: "spawning worker: " + err.Error(),
			}})
			return
		}
		p.dispatchLocked(w, inv)
		return
	}

	p.backlog = append(p.backlog, inv)
	p.updateGaugesLocked()
}

func (p *pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if !w.busy() && (w.state == workerIdle || w.state == workerStarting) {
			return w
		}
	}
	return nil
}

// dispatchLocked binds an invocation to a worker and places it in the
// worker's single-slot mailbox. The worker must not already hold an
// assignment; this is what keeps at most one invocation Dispatched per
// worker.
func (p *pool) dispatchLocked(w *worker, inv *invoke.Invocation) bool {
	if !inv.MarkDispatched(w.id, w.generation) {
		// Already resolved (for example the deadline fired in the backlog).
		return false
	}
	w.currentID = inv.ID
	if w.state == workerIdle {
		w.state = workerBusy
	}
	w.mailbox <- inv
	p.updateGaugesLocked()
	return true
}

func (p *pool) spawnLocked(desc *registry.Descriptor) (*worker, error) {
	w := &worker{
		id:        uuid.New().String(),
		function:  p.function,
		state:     workerStarting,
		mailbox:   make(chan *invoke.Invocation, 1),
		stop:      make(chan struct{}),
		spawnedAt: time.Now(),
	}

	// Register the worker before the process exists so its very first
	// protocol poll always finds it.
	p.workers = append(p.workers, w)
	p.sup.indexWorker(w.id, p)

	proc, err := p.sup.spawner.Spawn(desc, w.id, buildEnv(desc, w.id, p.sup.runtimeAddr))
	if err != nil {
		p.removeWorkerLocked(w)
		p.sup.dropWorker(w.id)
		return nil, err
	}
	w.proc = proc
	metrics.RecordColdStart(p.function)

	log.Debug().
		Str("function", p.function).
		Str("worker", w.id).
		Int("pid", proc.Pid()).
		Msg("Worker spawned")

	go func() {
		<-proc.Done()
		p.handleExit(w, proc.Err())
	}()

	return w, nil
}

// handleExit runs when a worker's process terminates on its own. An exit
// while Dispatched fails the in-flight invocation; an exit before the first
// poll is an init failure. Retired workers were already accounted for.
func (p *pool) handleExit(w *worker, exitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.retired {
		return
	}

	log.Warn().
		Str("function", p.function).
		Str("worker", w.id).
		AnErr("exit_error", exitErr).
		Str("state", w.state.String()).
		Msg("Worker exited unexpectedly")

	kind := invoke.KindWorkerCrashed
	msg := "worker process exited mid-invocation"
	if w.state == workerStarting {
		kind = invoke.KindInitError
		msg = "worker process exited before serving any invocation"
	}

	if w.currentID != "" {
		if inv, ok := p.sup.table.Lookup(w.currentID); ok {
			inv.Resolve(invoke.Outcome{Fault: &invoke.Fault{Kind: kind, Message: msg}})
		}
	}

	w.retired = true
	w.state = workerStopped
	close(w.stop)
	p.removeWorkerLocked(w)
	p.sup.dropWorker(w.id)
	p.pumpLocked()
}

// reclaim retires the worker still executing a timed-out invocation so a
// hung handler cannot hold a pool slot forever.
func (p *pool) reclaim(invocationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.currentID == invocationID {
			log.Debug().
				Str("function", p.function).
				Str("worker", w.id).
				Msg("Retiring worker after invocation timeout")
			p.retireLocked(w)
			p.removeWorkerLocked(w)
			p.sup.dropWorker(w.id)
			break
		}
	}
	p.pumpLocked()
}

// restart bumps every worker's generation, terminates them, and requeues
// their unresolved invocations for a fresh assignment attempt. Only this
// function's pool is touched.
func (p *pool) restart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.RecordRestart(p.function)
	log.Info().
		Str("function", p.function).
		Int("workers", len(p.workers)).
		Msg("Restarting function workers")

	var stranded []*invoke.Invocation
	for _, w := range p.workers {
		w.generation++
		if w.currentID != "" {
			if inv, ok := p.sup.table.Lookup(w.currentID); ok {
				stranded = append(stranded, inv)
			}
		}
		p.retireLocked(w)
		p.sup.dropWorker(w.id)
	}
	p.workers = nil

	// Requeue in arrival order ahead of anything enqueued since.
	sort.Slice(stranded, func(i, j int) bool {
		return stranded[i].EnqueuedAt.Before(stranded[j].EnqueuedAt)
	})
	requeued := make([]*invoke.Invocation, 0, len(stranded))
	for _, inv := range stranded {
		if inv.Expired() {
			inv.Resolve(invoke.Outcome{Fault: &invoke.Fault{
				Kind:    invoke.KindTimeout,
				Message: "deadline elapsed during restart",
			}})
			continue
		}
		if inv.Requeue() {
			requeued = append(requeued, inv)
		}
	}
	p.backlog = append(requeued, p.backlog...)
	p.pumpLocked()
}

// failPending resolves the current and queued invocations of this pool with
// the given fault. Used for init errors and shutdown.
func (p *pool) failPending(fault invoke.Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPendingLocked(fault)
}

func (p *pool) failPendingLocked(fault invoke.Fault) {
	for _, w := range p.workers {
		if w.currentID != "" {
			if inv, ok := p.sup.table.Lookup(w.currentID); ok {
				inv.Resolve(invoke.Outcome{Fault: &fault})
			}
			w.currentID = ""
			// Drop an undelivered assignment so the mailbox slot stays free.
			select {
			case <-w.mailbox:
			default:
			}
		}
	}
	for _, inv := range p.backlog {
		inv.Resolve(invoke.Outcome{Fault: &fault})
	}
	p.backlog = nil
	p.updateGaugesLocked()
}

// complete releases the worker after its invocation resolved and pulls the
// next backlog entry, keeping FIFO order.
func (p *pool) complete(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.currentID = ""
	if w.state == workerBusy {
		w.state = workerIdle
	}
	p.pumpLocked()
}

// pumpLocked drains the backlog into idle capacity: resolved entries are
// dropped, idle workers are fed in FIFO order, and new workers are spawned
// up to the concurrency limit while demand remains.
func (p *pool) pumpLocked() {
	if p.closing {
		p.updateGaugesLocked()
		return
	}

	desc, err := p.sup.registry.Lookup(p.function)
	if err != nil {
		// Function was removed; nothing left to run its backlog on.
		p.failPendingLocked(invoke.Fault{
			Kind:    invoke.KindDiscarded,
			Message: "function removed from registry",
		})
		return
	}

	for len(p.backlog) > 0 {
		inv := p.backlog[0]
		if inv.State() != invoke.StateQueued {
			p.backlog = p.backlog[1:]
			continue
		}

		w := p.idleWorkerLocked()
		if w == nil && len(p.workers) < desc.Concurrency {
			w, err = p.spawnLocked(desc)
			if err != nil {
				log.Error().Err(err).Str("function", p.function).Msg("Failed to spawn worker for backlog")
				p.backlog = p.backlog[1:]
				inv.Resolve(invoke.Outcome{Fault: &invoke.Fault{
					Kind:    invoke.KindInitError,
					Message: "spawning worker: " + err.Error(),
				}})
				continue
			}
		}
		if w == nil {
			break
		}

		p.backlog = p.backlog[1:]
		p.dispatchLocked(w, inv)
	}
	p.updateGaugesLocked()
}

// retireLocked stops a worker's process: graceful signal first, force kill
// after the grace period. The stop channel unblocks any pending poll.
func (p *pool) retireLocked(w *worker) {
	if w.retired {
		return
	}
	w.retired = true
	w.state = workerStopped
	close(w.stop)

	if w.proc != nil {
		proc := w.proc
		if err := proc.Terminate(); err != nil {
			_ = proc.Kill()
			return
		}
		grace := p.sup.grace
		time.AfterFunc(grace, func() {
			select {
			case <-proc.Done():
			default:
				_ = proc.Kill()
			}
		})
	}
}

func (p *pool) removeWorkerLocked(w *worker) {
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

// shutdown retires every worker and resolves all pending work with the
// given fault.
func (p *pool) shutdown(fault invoke.Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closing = true
	p.failPendingLocked(fault)
	for _, w := range p.workers {
		p.retireLocked(w)
		p.sup.dropWorker(w.id)
	}
	p.workers = nil
}

func (p *pool) updateGaugesLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.busy() {
			busy++
		}
	}
	metrics.SetWorkersBusy(p.function, busy)
	metrics.SetBacklogDepth(p.function, len(p.backlog))
}

// findWorkerLocked must be called with p.mu held.
func (p *pool) findWorkerLocked(workerID string) *worker {
	for _, w := range p.workers {
		if w.id == workerID {
			return w
		}
	}
	return nil
}
