// Package health aggregates subsystem checks into one daemon state. A
// failing critical check (the RPC node, the registry file) means reclaim
// runs cannot proceed; a failing auxiliary check (the report database,
// open RPC circuits) only degrades the daemon.
package health

import (
	"context"
	"sync"
	"time"
)

// Impact says what a failing check means for reclaim runs.
type Impact int

const (
	// Critical checks gate ingestion, refresh and reclaim.
	Critical Impact = iota
	// Auxiliary checks cover features that have a fallback.
	Auxiliary
)

func (i Impact) String() string {
	if i == Auxiliary {
		return "auxiliary"
	}
	return "critical"
}

// State is the aggregate daemon health.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is the result of one check.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Impact  Impact        `json:"-"`
	Took    time.Duration `json:"-"`
}

// Checker checks one subsystem.
type Checker func(ctx context.Context) Status

// Report is the outcome of running every registered check.
type Report struct {
	State    State
	Statuses []Status
}

// Failed returns the statuses that did not pass.
func (r Report) Failed() []Status {
	var out []Status
	for _, s := range r.Statuses {
		if !s.Healthy {
			out = append(out, s)
		}
	}
	return out
}

// Registry holds the daemon's checks in registration order.
type Registry struct {
	mu     sync.RWMutex
	checks []entry
}

type entry struct {
	name   string
	impact Impact
	check  Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check. Registering a name twice replaces the earlier check.
func (r *Registry) Register(name string, impact Impact, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.checks {
		if r.checks[i].name == name {
			r.checks[i] = entry{name: name, impact: impact, check: check}
			return
		}
	}
	r.checks = append(r.checks, entry{name: name, impact: impact, check: check})
}

// Check runs every check concurrently and folds the results into a State.
// Statuses keep registration order.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]entry, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, e := range checks {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			start := time.Now()
			st := e.check(ctx)
			st.Name = e.name
			st.Impact = e.impact
			st.Took = time.Since(start)
			statuses[i] = st
		}(i, e)
	}
	wg.Wait()

	state := StateHealthy
	for _, st := range statuses {
		checkUp.WithLabelValues(st.Name).Set(boolGauge(st.Healthy))
		if st.Healthy {
			continue
		}
		if st.Impact == Critical {
			state = StateUnhealthy
		} else if state == StateHealthy {
			state = StateDegraded
		}
	}
	return Report{State: state, Statuses: statuses}
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
