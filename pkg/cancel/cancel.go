// Package cancel provides a per-feed cooperative cancellation registry.
package cancel

import (
	"errors"
	"sort"
	"sync"
)

// ErrCancelled is raised at stage boundaries once a feed's handle has been
// signalled. It is distinct from ordinary failures so a cancelled run is
// never recorded as a failed one.
var ErrCancelled = errors.New("refresh cancelled")

// Handle is the signal object consulted between pipeline stages.
// Cancellation is cooperative: an in-flight network or render call runs to
// completion before the next Check observes the signal, so cancellation
// latency is bounded by the slowest single call.
type Handle struct {
	done chan struct{}
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) signal() {
	h.once.Do(func() { close(h.done) })
}

// Done exposes the signal for select-based waits.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.done
}

// Check returns ErrCancelled once the handle has been signalled.
// A nil handle never cancels, so callers without a registry entry can pass
// one through unconditionally.
func (h *Handle) Check() error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return ErrCancelled
	default:
		return nil
	}
}

// Registry maps feed identifiers to active cancellation handles. It is an
// explicit service object so tests and servers can hold isolated instances
// instead of sharing ambient process state.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates and stores a fresh handle for feedID. A stale handle for
// the same feed is signalled first so an abandoned run cannot keep going
// unobserved next to the new one.
func (r *Registry) Register(feedID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.handles[feedID]; ok {
		old.signal()
	}
	h := newHandle()
	r.handles[feedID] = h
	return h
}

// Cancel signals the active handle for feedID, if any, and removes it.
// It reports whether a handle existed.
func (r *Registry) Cancel(feedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[feedID]
	if !ok {
		return false
	}
	h.signal()
	delete(r.handles, feedID)
	return true
}

// Unregister removes the handle without signalling it. Run on every exit
// path of a refresh; it touches only the in-memory table, never persisted
// records.
func (r *Registry) Unregister(feedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, feedID)
}

// ListActive returns the feed identifiers with a registered handle.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
