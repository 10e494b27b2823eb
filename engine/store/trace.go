package store

import (
	"sync"
	"time"

	"github.com/mode7labs/raceway/engine/analyze"
	"github.com/mode7labs/raceway/engine/causal"
	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/spec"
)

// State is the trace lifecycle state.
type State string

const (
	StateOpen      State = "Open"
	StateQuiescent State = "Quiescent"
	StateComplete  State = "Complete"
	StateEvicted   State = "Evicted"
)

// Trace is one per-trace slot. The slot's mutex guards every field; the
// store's directory lock only protects slot lookup.
type Trace struct {
	ID string

	mu        sync.RWMutex
	events    []*spec.Event
	byID      map[string]*spec.Event
	canonical map[string][]byte

	graph *causal.Graph

	// Indexes.
	vars     map[string][]race.Access // variable → accesses in arrival order
	byAccess map[string]race.Access   // event id → access record
	threads  map[string][]string      // thread id → event ids
	spans    map[string][]string      // span id → event ids
	services map[string]struct{}

	// held tracks lock depth per (thread, lock), reconstructed from lock
	// events, for events whose SDK did not ship a lock_set.
	held map[string]map[string]int

	races     []race.Race
	raceKeys  map[string]struct{}
	anomalies []analyze.Anomaly

	rootService string
	start       time.Time
	end         time.Time
	lastArrival time.Time
	state       State
	errServices map[string]struct{}
}

func newTrace(id string, now time.Time) *Trace {
	return &Trace{
		ID:          id,
		byID:        make(map[string]*spec.Event),
		canonical:   make(map[string][]byte),
		graph:       causal.New(),
		vars:        make(map[string][]race.Access),
		byAccess:    make(map[string]race.Access),
		threads:     make(map[string][]string),
		spans:       make(map[string][]string),
		services:    make(map[string]struct{}),
		held:        make(map[string]map[string]int),
		raceKeys:    make(map[string]struct{}),
		errServices: make(map[string]struct{}),
		state:       StateOpen,
		lastArrival: now,
	}
}

// heldLocks snapshots the locks currently held by a thread.
func (t *Trace) heldLocks(thread string) []string {
	locks := t.held[thread]
	if len(locks) == 0 {
		return nil
	}
	out := make([]string, 0, len(locks))
	for l, depth := range locks {
		if depth > 0 {
			out = append(out, l)
		}
	}
	return out
}

func (t *Trace) applyLockEvent(e *spec.Event) {
	if e.Metadata.Lock == nil {
		return
	}
	name := e.Metadata.Lock.LockName
	locks := t.held[e.ThreadID]
	if locks == nil {
		locks = make(map[string]int)
		t.held[e.ThreadID] = locks
	}
	switch e.Kind {
	case spec.KindLockAcquire:
		locks[name]++
	case spec.KindLockRelease:
		if locks[name] > 0 {
			locks[name]--
		}
		if locks[name] == 0 {
			delete(locks, name)
		}
	}
}

// Summary is the paginated trace listing row.
type Summary struct {
	TraceID      string    `json:"trace_id"`
	Service      string    `json:"service_name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	DurationMS   float64   `json:"duration_ms"`
	EventCount   int       `json:"event_count"`
	Services     []string  `json:"services"`
	State        State     `json:"state"`
	HasRaces     bool      `json:"has_races"`
	HasAnomalies bool      `json:"has_anomalies"`
}

// summaryLocked builds the listing row. Caller holds at least t.mu.RLock.
func (t *Trace) summaryLocked() Summary {
	services := make([]string, 0, len(t.services))
	for s := range t.services {
		services = append(services, s)
	}
	return Summary{
		TraceID:      t.ID,
		Service:      t.rootService,
		Start:        t.start,
		End:          t.end,
		DurationMS:   float64(t.end.Sub(t.start)) / float64(time.Millisecond),
		EventCount:   len(t.events),
		Services:     services,
		State:        t.state,
		HasRaces:     len(t.races) > 0,
		HasAnomalies: len(t.anomalies) > 0,
	}
}

// Summary returns the listing row for the trace.
func (t *Trace) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked()
}

// Events returns the trace's events in deterministic causal order:
// vector-clock topological order with (timestamp, event id) tie-break.
func (t *Trace) Events() []spec.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]spec.Event, 0, len(t.events))
	for _, id := range t.graph.TopoOrder() {
		if e, ok := t.byID[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// SnapshotGraph clones the minimal graph view (ids, clocks, timestamps,
// durations, services, edges) so analyzers can compute off-lock while
// ingest continues.
func (t *Trace) SnapshotGraph() *causal.Graph {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := causal.New()
	for _, e := range t.events {
		clone.Add(e.EventID, e.VectorClock, e.ServiceName, e.Timestamp, e.Duration())
	}
	return clone
}

// Bounds returns the trace's start and end instants.
func (t *Trace) Bounds() (start, end time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.start, t.end
}

// Races returns a copy of the detected per-trace races.
func (t *Trace) Races() []race.Race {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]race.Race, len(t.races))
	copy(out, t.races)
	return out
}

// Anomalies returns a copy of the trace's recorded anomalies.
func (t *Trace) Anomalies() []analyze.Anomaly {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]analyze.Anomaly, len(t.anomalies))
	copy(out, t.anomalies)
	return out
}

// RecordAnomaly appends an anomaly found by the after-commit hook.
func (t *Trace) RecordAnomaly(a analyze.Anomaly) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anomalies = append(t.anomalies, a)
}

// AuditTrail returns the ordered accesses to a variable: causal order,
// ties by timestamp then event id. ok is false when the variable was
// never accessed in this trace.
func (t *Trace) AuditTrail(variable string) ([]race.Access, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, tracked := t.vars[variable]; !tracked {
		return nil, false
	}
	var out []race.Access
	for _, id := range t.graph.TopoOrder() {
		a, ok := t.byAccess[id]
		if !ok {
			continue
		}
		if e := t.byID[id]; e != nil && e.Variable() == variable {
			out = append(out, a)
		}
	}
	return out, true
}

// ServiceSet returns the services that emitted events in this trace.
func (t *Trace) ServiceSet() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.services))
	for s := range t.services {
		out = append(out, s)
	}
	return out
}

// State returns the lifecycle state.
func (t *Trace) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// EventCount returns the number of stored events.
func (t *Trace) EventCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}
