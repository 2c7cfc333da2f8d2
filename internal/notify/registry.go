package notify

import (
	"slices"
	"sync"
)

// Registry tracks which conversations each real-time connection has open.
// A conversation is active while at least one connection has it open.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connState
	active map[string]int
}

type connState struct {
	instance string
	open     map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connState),
		active: make(map[string]int),
	}
}

// Connect registers a connection for instance.
func (r *Registry) Connect(connID, instance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = &connState{instance: instance, open: make(map[string]struct{})}
}

// Disconnect forgets a connection and everything it had open.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.conns[connID]
	if !ok {
		return
	}
	for convID := range st.open {
		r.release(convID)
	}
	delete(r.conns, connID)
}

// Open marks convID as open on connID. It reports false for an unknown
// connection.
func (r *Registry) Open(connID, convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, already := st.open[convID]; !already {
		st.open[convID] = struct{}{}
		r.active[convID]++
	}
	return true
}

// Close marks convID as no longer open on connID.
func (r *Registry) Close(connID, convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.conns[connID]
	if !ok {
		return
	}
	if _, open := st.open[convID]; open {
		delete(st.open, convID)
		r.release(convID)
	}
}

func (r *Registry) release(convID string) {
	if r.active[convID] <= 1 {
		delete(r.active, convID)
		return
	}
	r.active[convID]--
}

// IsActive reports whether any connection has convID open.
func (r *Registry) IsActive(convID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[convID] > 0
}

// Active returns the conversations open on connID, sorted.
func (r *Registry) Active(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.open))
	for id := range st.open {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Connections returns how many connections are registered for instance.
func (r *Registry) Connections(instance string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.conns {
		if st.instance == instance {
			n++
		}
	}
	return n
}
