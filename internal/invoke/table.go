package invoke

import (
	"sync"
)

// Table correlates invocation identifiers with pending invocations. It is
// the only synchronization point shared between the ingress router and the
// runtime protocol surface; all operations are O(1) map accesses.
type Table struct {
	mu      sync.RWMutex
	pending map[string]*Invocation
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*Invocation)}
}

// Register adds an invocation under its identifier.
func (t *Table) Register(inv *Invocation) {
	t.mu.Lock()
	t.pending[inv.ID] = inv
	t.mu.Unlock()
}

// Lookup returns the invocation for an identifier, or false if it is unknown
// or already removed.
func (t *Table) Lookup(id string) (*Invocation, bool) {
	t.mu.RLock()
	inv, ok := t.pending[id]
	t.mu.RUnlock()
	return inv, ok
}

// Remove deletes an identifier once its outcome has been observed. A removed
// identifier is never reused; later protocol messages referencing it are
// treated as unknown.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len returns the number of pending invocations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
