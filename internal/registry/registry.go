package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a function name is not registered.
var ErrNotFound = errors.New("function not found")

// entry is the per-function slot. Each entry carries its own lock so a
// rebuild of one function never blocks lookups of another.
type entry struct {
	mu       sync.RWMutex
	desc     *Descriptor
	buildErr string
}

// Registry maps function names to descriptors. The name index is a sync.Map
// so concurrent reads across different functions never contend; all other
// state is serialized per entry.
type Registry struct {
	entries sync.Map // string -> *entry

	hookMu      sync.RWMutex
	restartHook func(name string)
	removeHook  func(name string)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// SetRestartHook installs the callback invoked after a descriptor is
// replaced, so the supervisor can retire stale workers.
func (r *Registry) SetRestartHook(hook func(name string)) {
	r.hookMu.Lock()
	r.restartHook = hook
	r.hookMu.Unlock()
}

// SetRemoveHook installs the callback invoked after a function is removed,
// so the supervisor can drain its pool.
func (r *Registry) SetRemoveHook(hook func(name string)) {
	r.hookMu.Lock()
	r.removeHook = hook
	r.hookMu.Unlock()
}

// Upsert inserts or wholesale-replaces a descriptor. Replacing clears any
// recorded build failure and triggers the restart hook for that function.
func (r *Registry) Upsert(desc *Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	actual, loaded := r.entries.LoadOrStore(desc.Name, &entry{desc: desc})
	e := actual.(*entry)
	if loaded {
		e.mu.Lock()
		e.desc = desc
		e.buildErr = ""
		e.mu.Unlock()

		r.hookMu.RLock()
		hook := r.restartHook
		r.hookMu.RUnlock()
		if hook != nil {
			hook(desc.Name)
		}
	}

	log.Debug().Str("function", desc.Name).Str("handler", desc.Handler).Msg("Function registered")
	return nil
}

// Lookup returns the current descriptor for a name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	actual, ok := r.entries.Load(name)
	if !ok {
		return nil, ErrNotFound
	}
	e := actual.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desc, nil
}

// Remove drops a function from the registry and notifies the remove hook so
// its workers and backlog get drained, not stranded.
func (r *Registry) Remove(name string) {
	if _, ok := r.entries.LoadAndDelete(name); !ok {
		return
	}

	r.hookMu.RLock()
	hook := r.removeHook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(name)
	}

	log.Debug().Str("function", name).Msg("Function removed")
}

// List returns all descriptors, sorted by name.
func (r *Registry) List() []*Descriptor {
	var out []*Descriptor
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.RLock()
		out = append(out, e.desc)
		e.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetBuildError records a failed build. Routing for the function returns
// BuildFailed until the next successful Upsert clears it.
func (r *Registry) SetBuildError(name, reason string) {
	actual, ok := r.entries.Load(name)
	if !ok {
		return
	}
	e := actual.(*entry)
	e.mu.Lock()
	e.buildErr = reason
	e.mu.Unlock()
}

// BuildError returns the recorded build failure, if any.
func (r *Registry) BuildError(name string) (string, bool) {
	actual, ok := r.entries.Load(name)
	if !ok {
		return "", false
	}
	e := actual.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buildErr, e.buildErr != ""
}
