// Package health aggregates readiness probes for the engine's dependencies.
package health

import (
	"context"
	"sync"
)

// Status is the result of probing one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency. Checkers must honor ctx cancellation; a
// hung database probe must not wedge the health endpoint.
type Checker func(ctx context.Context) Status

type probe struct {
	name string
	run  Checker
}

// Registry collects named checkers and probes them together.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under a stable name. Registration order is the
// reporting order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, probe{name: name, run: check})
}

// CheckAll runs every registered probe. The engine is healthy only when all
// probes are. A probe that leaves Status.Name empty reports under its
// registered name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(probes))
	for _, p := range probes {
		st := p.run(ctx)
		if st.Name == "" {
			st.Name = p.name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
