// Package race detects unsynchronized concurrent accesses to shared
// variables, both within a trace and across traces.
package race

import (
	"encoding/json"
	"time"

	"github.com/mode7labs/raceway/clock"
)

// Type classifies a race by its access pair.
type Type string

const (
	WriteWrite Type = "WriteWrite"
	ReadWrite  Type = "ReadWrite"
)

// Severity of a detected race. WriteWrite races are Critical, ReadWrite
// races are Warning; Low is reserved for downgraded heuristic findings.
type Severity string

const (
	Critical Severity = "Critical"
	Warning  Severity = "Warning"
	Low      Severity = "Low"
)

// Access is one recorded access to a shared variable. It is the unit
// stored in the per-trace variable index and the global index.
type Access struct {
	EventID  string          `json:"event_id"`
	TraceID  string          `json:"trace_id"`
	ThreadID string          `json:"thread_id"`
	Service  string          `json:"service_name"`
	Write    bool            `json:"write"`
	Clock    clock.Clock     `json:"vector_clock"`
	Locks    []string        `json:"locks,omitempty"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Time     time.Time       `json:"timestamp"`
}

// Ref identifies one participant of a race.
type Ref struct {
	EventID  string `json:"event_id"`
	TraceID  string `json:"trace_id"`
	ThreadID string `json:"thread_id"`
	Service  string `json:"service_name"`
	Write    bool   `json:"write"`
}

func (a Access) ref() Ref {
	return Ref{
		EventID:  a.EventID,
		TraceID:  a.TraceID,
		ThreadID: a.ThreadID,
		Service:  a.Service,
		Write:    a.Write,
	}
}

// Race is a derived record for a pair of concurrent conflicting accesses.
type Race struct {
	Variable     string    `json:"variable"`
	Type         Type      `json:"race_type"`
	Severity     Severity  `json:"severity"`
	Participants [2]Ref    `json:"participants"`
	FirstSeen    time.Time `json:"first_seen"`
}

// Key returns the identity of a race: the unordered pair of participating
// event ids. Re-detection of the same pair is idempotent.
func (r Race) Key() string {
	return PairKey(r.Participants[0].EventID, r.Participants[1].EventID)
}

// PairKey builds the unordered pair identity of two event ids.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// sharesLock reports whether both accesses held a common lock, which
// orders them at the application level even when their clocks do not.
func sharesLock(a, b Access) bool {
	if len(a.Locks) == 0 || len(b.Locks) == 0 {
		return false
	}
	held := make(map[string]struct{}, len(a.Locks))
	for _, l := range a.Locks {
		held[l] = struct{}{}
	}
	for _, l := range b.Locks {
		if _, ok := held[l]; ok {
			return true
		}
	}
	return false
}

// classify builds a race record for a concurrent conflicting pair, or
// ok=false when the pair does not race (two reads, or a shared lock).
func classify(variable string, prior, cur Access, now time.Time) (Race, bool) {
	if !prior.Write && !cur.Write {
		return Race{}, false
	}
	if sharesLock(prior, cur) {
		return Race{}, false
	}

	raceType := ReadWrite
	severity := Warning
	if prior.Write && cur.Write {
		raceType = WriteWrite
		severity = Critical
	}

	return Race{
		Variable:     variable,
		Type:         raceType,
		Severity:     severity,
		Participants: [2]Ref{prior.ref(), cur.ref()},
		FirstSeen:    now,
	}, true
}

// Detect compares a new access against the prior accesses to the same
// variable within one trace and returns the race records the new access
// introduces. Accesses whose clocks are ordered never race; comparison is
// skipped, never aborted, for malformed prior entries.
func Detect(variable string, prior []Access, cur Access, now time.Time) []Race {
	var out []Race
	seen := make(map[string]struct{})
	for _, p := range prior {
		if p.EventID == cur.EventID {
			continue
		}
		if p.Clock.Compare(cur.Clock) != clock.Concurrent {
			continue
		}
		r, ok := classify(variable, p, cur, now)
		if !ok {
			continue
		}
		if _, dup := seen[r.Key()]; dup {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Unguarded reports whether a write was performed with no lock held — a
// candidate for cross-trace race analysis.
func Unguarded(a Access) bool {
	return a.Write && len(a.Locks) == 0
}
