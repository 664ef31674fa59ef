// Package invlog provides an in-memory ring buffer of recent invocations,
// served on the diagnostics endpoint so a developer can inspect what the
// emulator did with each request.
package invlog

import (
	"sync"
	"time"
)

// Entry records one completed invocation.
type Entry struct {
	ID         string        `json:"id"`
	Function   string        `json:"function"`
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Shape      string        `json:"shape,omitempty"`
	Outcome    string        `json:"outcome"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"duration"`
	DurationMS float64       `json:"duration_ms"`
	BytesIn    int           `json:"bytes_in"`
	BytesOut   int           `json:"bytes_out"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
}

// Store is a thread-safe ring buffer of invocation entries.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// NewStore creates a store with the given capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (s *Store) Add(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.head] = entry
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
}

// FilterOptions selects which entries List returns.
type FilterOptions struct {
	Function  string
	Outcome   string
	MinStatus int
	MaxStatus int
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// ListResult is a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns entries matching the filter, newest first.
func (s *Store) List(opts FilterOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var filtered []Entry
	for i := 0; i < s.count; i++ {
		idx := (s.head - 1 - i + s.capacity) % s.capacity
		entry := s.entries[idx]
		if matchesFilter(entry, opts) {
			filtered = append(filtered, entry)
		}
	}

	total := len(filtered)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}

	return ListResult{
		Entries: filtered[start:end],
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}
}

func matchesFilter(entry Entry, opts FilterOptions) bool {
	if opts.Function != "" && entry.Function != opts.Function {
		return false
	}
	if opts.Outcome != "" && entry.Outcome != opts.Outcome {
		return false
	}
	if opts.MinStatus != 0 && entry.Status < opts.MinStatus {
		return false
	}
	if opts.MaxStatus != 0 && entry.Status > opts.MaxStatus {
		return false
	}
	if !opts.Since.IsZero() && entry.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && entry.Timestamp.After(opts.Until) {
		return false
	}
	return true
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]Entry, s.capacity)
	s.head = 0
	s.count = 0
}
