// Package store is the engine's single synchronization point: thread-safe
// indexed storage of events by trace, service, and variable. Writers take
// a per-trace exclusive lock; readers take a shared directory lock for
// slot lookup and a shared per-trace lock for view construction.
package store

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/spec"
)

// ErrConflict is returned when an event id is re-ingested with different
// content.
var ErrConflict = errors.New("event id already ingested with different content")

// AppendStatus reports what an append did.
type AppendStatus int

const (
	Inserted AppendStatus = iota
	Duplicate
)

// AppendResult is the outcome of a successful append.
type AppendResult struct {
	Status AppendStatus
	// Access is set when the event was a variable access; the engine
	// forwards it to the global race index.
	Access *race.Access
	// NewRaces are per-trace races introduced by this event.
	NewRaces []race.Race
	// Evicted lists trace ids evicted to make room for a new slot.
	Evicted []string
}

// ServiceMetrics is the per-service aggregate maintained incrementally.
type ServiceMetrics struct {
	Name           string    `json:"service_name"`
	TraceCount     int       `json:"trace_count"`
	EventCount     int64     `json:"event_count"`
	ErrorRate      float64   `json:"error_rate"`
	MeanDurationMS float64   `json:"mean_duration_ms"`
	LastSeen       time.Time `json:"last_seen"`
}

type serviceStats struct {
	traceCount  int
	errorTraces int
	eventCount  int64
	durSum      float64
	durCount    int64
	lastSeen    time.Time
}

// Store owns the trace directory and all per-trace slots.
type Store struct {
	log      *slog.Logger
	capacity int
	onEvict  func(traceID string)

	mu       sync.RWMutex
	traces   map[string]*Trace
	lru      *list.List               // front = most recently touched
	lruSlots map[string]*list.Element // trace id → lru element
	byEvent  map[string]string        // event id → trace id
	services map[string]*serviceStats

	eventsCaptured int64
}

// New creates a store bounded to capacity active traces. onEvict is
// invoked (outside all locks) for every evicted trace id; it may be nil.
func New(capacity int, log *slog.Logger, onEvict func(traceID string)) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		log:      log,
		capacity: capacity,
		onEvict:  onEvict,
		traces:   make(map[string]*Trace),
		lru:      list.New(),
		lruSlots: make(map[string]*list.Element),
		byEvent:  make(map[string]string),
		services: make(map[string]*serviceStats),
	}
}

// Append validates nothing — the engine validates before calling — and
// inserts the event into its trace slot, updating the causal graph, the
// variable/thread/span indexes, and the per-trace race list. Appends are
// atomic: they either complete fully or fail with no state change.
func (s *Store) Append(e *spec.Event, canonical []byte, now time.Time) (AppendResult, error) {
	t, evicted := s.slot(e.TraceID, now)

	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.canonical[e.EventID]; ok {
		if bytes.Equal(prior, canonical) {
			return AppendResult{Status: Duplicate, Evicted: evicted}, nil
		}
		return AppendResult{}, fmt.Errorf("event %s: %w", e.EventID, ErrConflict)
	}

	stored := *e
	t.events = append(t.events, &stored)
	t.byID[e.EventID] = &stored
	t.canonical[e.EventID] = canonical

	t.graph.Add(e.EventID, e.VectorClock, e.ServiceName, e.Timestamp, e.Duration())

	t.threads[e.ThreadID] = append(t.threads[e.ThreadID], e.EventID)
	if e.SpanID != "" {
		t.spans[e.SpanID] = append(t.spans[e.SpanID], e.EventID)
	}

	if len(t.events) == 1 {
		t.rootService = e.ServiceName
		t.start = e.Timestamp
		t.end = e.End()
	} else {
		if e.Timestamp.Before(t.start) {
			t.start = e.Timestamp
		}
		if e.End().After(t.end) {
			t.end = e.End()
		}
	}
	t.lastArrival = now
	if t.state == StateQuiescent {
		t.state = StateOpen // late arrival reopens a quiescent trace
	}

	firstForService := false
	if _, ok := t.services[e.ServiceName]; !ok {
		t.services[e.ServiceName] = struct{}{}
		firstForService = true
	}

	t.applyLockEvent(&stored)

	result := AppendResult{Status: Inserted, Evicted: evicted}
	if sc := stored.Metadata.StateChange; sc != nil {
		locks := stored.LockSet
		if len(locks) == 0 {
			locks = t.heldLocks(stored.ThreadID)
		}
		access := race.Access{
			EventID:  stored.EventID,
			TraceID:  stored.TraceID,
			ThreadID: stored.ThreadID,
			Service:  stored.ServiceName,
			Write:    sc.AccessType == spec.AccessWrite,
			Clock:    stored.VectorClock,
			Locks:    locks,
			OldValue: sc.OldValue,
			Value:    sc.NewValue,
			Time:     stored.Timestamp,
		}

		newRaces := race.Detect(sc.Variable, t.vars[sc.Variable], access, now)
		for _, r := range newRaces {
			if _, dup := t.raceKeys[r.Key()]; dup {
				continue
			}
			t.raceKeys[r.Key()] = struct{}{}
			t.races = append(t.races, r)
			result.NewRaces = append(result.NewRaces, r)
		}

		t.vars[sc.Variable] = append(t.vars[sc.Variable], access)
		t.byAccess[stored.EventID] = access
		result.Access = &access
	}

	firstError := false
	if stored.Kind == spec.KindError {
		if _, ok := t.errServices[e.ServiceName]; !ok {
			t.errServices[e.ServiceName] = struct{}{}
			firstError = true
		}
	}

	s.recordServiceEvent(&stored, firstForService, firstError, now)
	return result, nil
}

// slot returns the trace slot, creating it (and evicting LRU overflow) if
// needed, and marks it most recently touched.
func (s *Store) slot(traceID string, now time.Time) (*Trace, []string) {
	s.mu.Lock()

	if t, ok := s.traces[traceID]; ok {
		s.lru.MoveToFront(s.lruSlots[traceID])
		s.mu.Unlock()
		return t, nil
	}

	t := newTrace(traceID, now)
	s.traces[traceID] = t
	s.lruSlots[traceID] = s.lru.PushFront(traceID)

	var evicted []*Trace
	for len(s.traces) > s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, s.removeLocked(oldest.Value.(string)))
	}
	s.mu.Unlock()

	ids := s.finishEviction(evicted)
	return t, ids
}

// removeLocked detaches a trace from the directory. Caller holds s.mu.
func (s *Store) removeLocked(traceID string) *Trace {
	t, ok := s.traces[traceID]
	if !ok {
		return nil
	}
	delete(s.traces, traceID)
	if el, ok := s.lruSlots[traceID]; ok {
		s.lru.Remove(el)
		delete(s.lruSlots, traceID)
	}
	return t
}

// finishEviction marks traces evicted and runs notifications outside the
// directory lock.
func (s *Store) finishEviction(evicted []*Trace) []string {
	var ids []string
	for _, t := range evicted {
		if t == nil {
			continue
		}
		t.mu.Lock()
		t.state = StateEvicted
		eventIDs := make([]string, 0, len(t.byID))
		for id := range t.byID {
			eventIDs = append(eventIDs, id)
		}
		t.mu.Unlock()

		s.mu.Lock()
		for _, id := range eventIDs {
			delete(s.byEvent, id)
		}
		s.mu.Unlock()

		ids = append(ids, t.ID)
		if s.log != nil {
			s.log.Info("trace evicted", slog.String("trace_id", t.ID))
		}
		if s.onEvict != nil {
			s.onEvict(t.ID)
		}
	}
	return ids
}

// recordServiceEvent folds an inserted event into the per-service
// aggregates and the event-id index.
func (s *Store) recordServiceEvent(e *spec.Event, firstForService, firstError bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byEvent[e.EventID] = e.TraceID
	s.eventsCaptured++

	st, ok := s.services[e.ServiceName]
	if !ok {
		st = &serviceStats{}
		s.services[e.ServiceName] = st
	}
	st.eventCount++
	st.lastSeen = now
	if firstForService {
		st.traceCount++
	}
	if firstError {
		st.errorTraces++
	}
	if e.DurationMS != nil {
		st.durSum += *e.DurationMS
		st.durCount++
	}
}

// Trace returns the slot for a trace id, touching its LRU position.
func (s *Store) Trace(traceID string) (*Trace, bool) {
	s.mu.RLock()
	t, ok := s.traces[traceID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	if el, present := s.lruSlots[traceID]; present {
		s.lru.MoveToFront(el)
	}
	s.mu.Unlock()
	return t, true
}

// GetEvent looks an event up by id across all traces.
func (s *Store) GetEvent(eventID string) (spec.Event, bool) {
	s.mu.RLock()
	traceID, ok := s.byEvent[eventID]
	s.mu.RUnlock()
	if !ok {
		return spec.Event{}, false
	}
	t, ok := s.Trace(traceID)
	if !ok {
		return spec.Event{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[eventID]
	if !ok {
		return spec.Event{}, false
	}
	return *e, true
}

// ListTrace returns the trace's events in causal order.
func (s *Store) ListTrace(traceID string) ([]spec.Event, bool) {
	t, ok := s.Trace(traceID)
	if !ok {
		return nil, false
	}
	return t.Events(), true
}

// SortKey selects the trace summary ordering.
type SortKey string

const (
	SortStart    SortKey = "start"
	SortDuration SortKey = "duration"
	SortEvents   SortKey = "events"
)

// Summaries returns trace summaries in descending order of the chosen key
// (latest start, longest duration or most events), ties by trace id,
// optionally filtered to traces that contain the given service.
func (s *Store) Summaries(service string, key SortKey) []Summary {
	s.mu.RLock()
	traces := make([]*Trace, 0, len(s.traces))
	for _, t := range s.traces {
		traces = append(traces, t)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(traces))
	for _, t := range traces {
		sum := t.Summary()
		if service != "" && !containsString(sum.Services, service) {
			continue
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		switch key {
		case SortDuration:
			if out[i].DurationMS != out[j].DurationMS {
				return out[i].DurationMS > out[j].DurationMS
			}
		case SortEvents:
			if out[i].EventCount != out[j].EventCount {
				return out[i].EventCount > out[j].EventCount
			}
		default:
			if !out[i].Start.Equal(out[j].Start) {
				return out[i].Start.After(out[j].Start)
			}
		}
		return out[i].TraceID < out[j].TraceID
	})
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ListServices returns per-service metrics sorted by name.
func (s *Store) ListServices() []ServiceMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceMetrics, 0, len(s.services))
	for name, st := range s.services {
		m := ServiceMetrics{
			Name:       name,
			TraceCount: st.traceCount,
			EventCount: st.eventCount,
			LastSeen:   st.lastSeen,
		}
		if st.traceCount > 0 {
			m.ErrorRate = float64(st.errorTraces) / float64(st.traceCount)
		}
		if st.durCount > 0 {
			m.MeanDurationMS = st.durSum / float64(st.durCount)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServiceKnown reports whether the service has ever emitted an event.
func (s *Store) ServiceKnown(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.services[name]
	return ok
}

// EvictTrace removes a trace outright.
func (s *Store) EvictTrace(traceID string) bool {
	s.mu.Lock()
	t := s.removeLocked(traceID)
	s.mu.Unlock()
	if t == nil {
		return false
	}
	s.finishEviction([]*Trace{t})
	return true
}

// EvictLargest force-evicts the trace holding the most events. Used by
// the memory watchdog when a runaway trace threatens the process.
func (s *Store) EvictLargest() (string, bool) {
	s.mu.RLock()
	traces := make([]*Trace, 0, len(s.traces))
	for _, t := range s.traces {
		traces = append(traces, t)
	}
	s.mu.RUnlock()

	var largest *Trace
	largestCount := -1
	for _, t := range traces {
		if n := t.EventCount(); n > largestCount {
			largest, largestCount = t, n
		}
	}
	if largest == nil {
		return "", false
	}
	s.EvictTrace(largest.ID)
	return largest.ID, true
}

// CompletedTrace is handed to the snapshot sink when a trace completes.
type CompletedTrace struct {
	TraceID string
	Events  []spec.Event
	Summary Summary
}

// SweepLifecycle advances trace states: Open traces idle past the
// quiescence window become Quiescent; Quiescent traces idle past the
// additional grace period become Complete. Newly completed traces are
// returned for snapshotting.
func (s *Store) SweepLifecycle(now time.Time, quiescence, grace time.Duration) []CompletedTrace {
	s.mu.RLock()
	traces := make([]*Trace, 0, len(s.traces))
	for _, t := range s.traces {
		traces = append(traces, t)
	}
	s.mu.RUnlock()

	var completed []CompletedTrace
	for _, t := range traces {
		t.mu.Lock()
		idle := now.Sub(t.lastArrival)
		switch t.state {
		case StateOpen:
			if idle >= quiescence {
				t.state = StateQuiescent
			}
		case StateQuiescent:
			if idle >= quiescence+grace {
				t.state = StateComplete
				events := make([]spec.Event, 0, len(t.events))
				for _, e := range t.events {
					events = append(events, *e)
				}
				completed = append(completed, CompletedTrace{
					TraceID: t.ID,
					Events:  events,
					Summary: t.summaryLocked(),
				})
			}
		}
		t.mu.Unlock()
	}
	return completed
}

// EventsCaptured returns the number of events ever inserted.
func (s *Store) EventsCaptured() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsCaptured
}

// ActiveTraces returns the number of resident traces.
func (s *Store) ActiveTraces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}
