// Package health aggregates named subsystem checks (escrow store, wallet
// endpoint pool, background pollers) for the /health endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the result of checking one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must respect ctx; the HTTP handler runs
// checks under a deadline.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry holds named checkers and runs them on demand, in registration
// order so health output is stable.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and reports the aggregate state
// alongside the per-subsystem results. A checker that does not set its own
// Name gets the registration name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(entries))

	for i, e := range entries {
		st := e.check(ctx)
		if st.Name == "" {
			st.Name = e.name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses[i] = st
	}

	return healthy, statuses
}
