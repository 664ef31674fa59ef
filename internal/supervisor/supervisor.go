package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
)

var (
	// ErrUnknownWorker means a runtime-surface message referenced a worker
	// that was never spawned or has been retired.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownInvocation means the invocation id is not in the table.
	ErrUnknownInvocation = errors.New("unknown invocation")
	// ErrStaleInvocation means the invocation is no longer dispatched to the
	// posting worker at its current generation.
	ErrStaleInvocation = errors.New("stale invocation")
	// ErrWorkerStopped ends a long poll for a retired worker.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrShuttingDown rejects new work during shutdown.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

const defaultGracePeriod = 2 * time.Second

// Options configures a Supervisor.
type Options struct {
	// RuntimeAddr is the host:port of the runtime protocol surface, handed
	// to workers through their environment.
	RuntimeAddr string
	// GracePeriod is how long a terminated worker gets before force kill.
	GracePeriod time.Duration
	// Spawner overrides process creation; nil means ExecSpawner.
	Spawner Spawner
}

// Supervisor owns one pool per function and is the write path for all worker
// lifecycle state. The runtime protocol server calls into it to deliver
// polls and results; the ingress router calls Assign.
type Supervisor struct {
	registry    *registry.Registry
	table       *invoke.Table
	spawner     Spawner
	runtimeAddr string
	grace       time.Duration

	mu     sync.RWMutex
	pools  map[string]*pool
	closed bool

	idxMu    sync.RWMutex
	byWorker map[string]*pool
}

// New creates a supervisor over the given registry and correlation table.
func New(reg *registry.Registry, table *invoke.Table, opts Options) *Supervisor {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Supervisor{
		registry:    reg,
		table:       table,
		spawner:     spawner,
		runtimeAddr: opts.RuntimeAddr,
		grace:       grace,
		pools:       make(map[string]*pool),
		byWorker:    make(map[string]*pool),
	}
}

// SetRuntimeAddr records the bound runtime surface address. Must be called
// before the first worker is spawned.
func (s *Supervisor) SetRuntimeAddr(addr string) {
	s.runtimeAddr = addr
}

// Assign registers an invocation in the correlation table, arms its deadline
// timer, and hands it to the target function's pool.
func (s *Supervisor) Assign(inv *invoke.Invocation) error {
	desc, err := s.registry.Lookup(inv.Function)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	p := s.poolLocked(inv.Function)
	s.mu.Unlock()

	s.table.Register(inv)
	inv.ArmDeadline(s.onTimeout)
	p.assign(inv, desc)
	return nil
}

// Restart retires every worker of a function with a generation bump. Safe to
// call for functions that never ran; it is then a no-op.
func (s *Supervisor) Restart(name string) {
	s.mu.RLock()
	p := s.pools[name]
	s.mu.RUnlock()
	if p != nil {
		p.restart()
	}
}

// Poll is the long-poll half of the runtime protocol: it blocks until an
// invocation is assigned to the worker, the worker is retired, or the
// caller's context ends. The worker's first poll completes its cold start.
func (s *Supervisor) Poll(ctx context.Context, workerID string) (*invoke.Invocation, error) {
	p := s.poolForWorker(workerID)
	if p == nil {
		return nil, ErrUnknownWorker
	}

	p.mu.Lock()
	w := p.findWorkerLocked(workerID)
	if w == nil {
		p.mu.Unlock()
		return nil, ErrUnknownWorker
	}
	if w.state == workerStarting {
		log.Debug().
			Str("function", p.function).
			Str("worker", w.id).
			Dur("cold_start", time.Since(w.spawnedAt)).
			Msg("Worker ready")
		w.state = workerIdle
		if w.currentID == "" {
			p.pumpLocked()
		}
	}
	mailbox, stop := w.mailbox, w.stop
	p.mu.Unlock()

	select {
	case inv := <-mailbox:
		p.mu.Lock()
		valid := w.currentID == inv.ID && inv.DispatchedTo(w.id, w.generation)
		if valid && w.state == workerIdle {
			w.state = workerBusy
		}
		p.mu.Unlock()
		if !valid {
			// Invalidated between assignment and delivery (restart race).
			return nil, ErrWorkerStopped
		}
		return inv, nil
	case <-stop:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete applies a result posted by a worker: it resolves the invocation
// (if this worker still owns it at its current generation) and returns the
// worker to the pool. Stale and unknown references come back as errors for
// the protocol layer to log and absorb.
func (s *Supervisor) Complete(workerID, invocationID string, out invoke.Outcome) error {
	p := s.poolForWorker(workerID)
	if p == nil {
		return ErrUnknownWorker
	}

	p.mu.Lock()
	w := p.findWorkerLocked(workerID)
	if w == nil {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	generation := w.generation
	owns := w.currentID == invocationID
	p.mu.Unlock()

	inv, ok := s.table.Lookup(invocationID)
	if !ok {
		return ErrUnknownInvocation
	}
	if !inv.DispatchedTo(workerID, generation) {
		return ErrStaleInvocation
	}

	// First resolution wins; losing the race to the deadline timer is not a
	// protocol violation.
	inv.Resolve(out)
	if owns {
		p.complete(w)
	}
	return nil
}

// InitError handles a worker reporting failure before its first invocation:
// the worker is retired and everything pending for its function fails with
// InitError.
func (s *Supervisor) InitError(workerID, errorType, errorMessage string) error {
	p := s.poolForWorker(workerID)
	if p == nil {
		return ErrUnknownWorker
	}

	p.mu.Lock()
	w := p.findWorkerLocked(workerID)
	if w == nil {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	log.Error().
		Str("function", p.function).
		Str("worker", w.id).
		Str("error_type", errorType).
		Str("error_message", errorMessage).
		Msg("Worker reported init error")

	msg := errorMessage
	if errorType != "" {
		msg = errorType + ": " + errorMessage
	}
	fault := invoke.Fault{Kind: invoke.KindInitError, Message: msg}

	p.retireLocked(w)
	if w.currentID != "" {
		if inv, ok := s.table.Lookup(w.currentID); ok {
			inv.Resolve(invoke.Outcome{Fault: &fault})
		}
		w.currentID = ""
		select {
		case <-w.mailbox:
		default:
		}
	}
	for _, queued := range p.backlog {
		queued.Resolve(invoke.Outcome{Fault: &fault})
	}
	p.backlog = nil
	p.removeWorkerLocked(w)
	s.dropWorker(w.id)
	p.updateGaugesLocked()
	p.mu.Unlock()
	return nil
}

// Stats describes one function's pool for diagnostics.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Backlog int `json:"backlog"`
}

// PoolStats returns a snapshot of every pool.
func (s *Supervisor) PoolStats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Stats, len(s.pools))
	for name, p := range s.pools {
		p.mu.Lock()
		busy := 0
		for _, w := range p.workers {
			if w.busy() {
				busy++
			}
		}
		out[name] = Stats{Workers: len(p.workers), Busy: busy, Backlog: len(p.backlog)}
		p.mu.Unlock()
	}
	return out
}

// Drain retires a removed function's workers and discards its backlog. The
// pool is dropped entirely so a later re-registration starts fresh.
func (s *Supervisor) Drain(name string) {
	s.mu.Lock()
	p := s.pools[name]
	delete(s.pools, name)
	s.mu.Unlock()

	if p != nil {
		p.shutdown(invoke.Fault{
			Kind:    invoke.KindDiscarded,
			Message: "function removed from registry",
		})
	}
}

// Shutdown retires all workers and discards all pending invocations.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, p := range pools {
		p.shutdown(invoke.Fault{
			Kind:    invoke.KindDiscarded,
			Message: "emulator shutting down",
		})
	}
}

func (s *Supervisor) poolLocked(name string) *pool {
	p, ok := s.pools[name]
	if !ok {
		p = &pool{sup: s, function: name}
		s.pools[name] = p
	}
	return p
}

func (s *Supervisor) onTimeout(inv *invoke.Invocation) {
	log.Warn().
		Str("function", inv.Function).
		Str("invocation", inv.ID).
		Msg("Invocation timed out")
	s.mu.RLock()
	p := s.pools[inv.Function]
	s.mu.RUnlock()
	if p != nil {
		p.reclaim(inv.ID)
	}
}

func (s *Supervisor) indexWorker(id string, p *pool) {
	s.idxMu.Lock()
	s.byWorker[id] = p
	s.idxMu.Unlock()
}

func (s *Supervisor) dropWorker(id string) {
	s.idxMu.Lock()
	delete(s.byWorker, id)
	s.idxMu.Unlock()
}

func (s *Supervisor) poolForWorker(id string) *pool {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.byWorker[id]
}
