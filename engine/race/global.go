package race

import (
	"sync"
	"time"

	"github.com/mode7labs/raceway/clock"
)

// GlobalIndex is the process-wide cross-trace race index. It records the
// most recent access per (trace, thread) for each variable and compares
// new accesses against accesses from other traces.
type GlobalIndex struct {
	mu sync.RWMutex
	// vars: variable → (traceID+threadID) → latest access.
	vars  map[string]map[string]Access
	races map[string]Race
	order []string // race keys in first-seen order, for stable pagination
}

// NewGlobalIndex creates an empty index.
func NewGlobalIndex() *GlobalIndex {
	return &GlobalIndex{
		vars:  make(map[string]map[string]Access),
		races: make(map[string]Race),
	}
}

func slotKey(a Access) string {
	return a.TraceID + "\x00" + a.ThreadID
}

// Record registers an access and returns any new cross-trace races it
// produced. Accesses from the same trace are never compared here; the
// per-trace detector owns those.
func (g *GlobalIndex) Record(variable string, a Access, now time.Time) []Race {
	g.mu.Lock()
	defer g.mu.Unlock()

	slots, ok := g.vars[variable]
	if !ok {
		slots = make(map[string]Access)
		g.vars[variable] = slots
	}

	var found []Race
	for _, other := range slots {
		if other.TraceID == a.TraceID {
			continue
		}
		if len(other.Clock) == 0 || len(a.Clock) == 0 {
			continue // skip, never abort
		}
		r, ok := classifyGlobal(variable, other, a, now)
		if !ok {
			continue
		}
		if _, dup := g.races[r.Key()]; dup {
			continue
		}
		g.races[r.Key()] = r
		g.order = append(g.order, r.Key())
		found = append(found, r)
	}

	slots[slotKey(a)] = a
	return found
}

// classifyGlobal mirrors the per-trace classification but only fires for
// concurrent clocks; ordered cross-trace accesses are synchronized by the
// propagation path that carried the clock.
func classifyGlobal(variable string, prior, cur Access, now time.Time) (Race, bool) {
	if prior.Clock.Compare(cur.Clock) != clock.Concurrent {
		return Race{}, false
	}
	return classify(variable, prior, cur, now)
}

// Page is a paginated slice of the global race list.
type Page struct {
	Races      []Race `json:"races"`
	TotalRaces int    `json:"total_races"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
}

// List returns global races in first-seen order, optionally filtered by
// severity. Page numbers start at 1.
func (g *GlobalIndex) List(page, perPage int, severity Severity) Page {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var all []Race
	for _, key := range g.order {
		r := g.races[key]
		if severity != "" && r.Severity != severity {
			continue
		}
		all = append(all, r)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	return Page{
		Races:      all[start:end],
		TotalRaces: len(all),
		Page:       page,
		PerPage:    perPage,
	}
}

// Len returns the number of distinct global races recorded.
func (g *GlobalIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.races)
}

// ForgetTrace drops the recorded accesses of an evicted trace. Race
// records already derived are retained; they are historical findings.
func (g *GlobalIndex) ForgetTrace(traceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for variable, slots := range g.vars {
		for key, a := range slots {
			if a.TraceID == traceID {
				delete(slots, key)
			}
		}
		if len(slots) == 0 {
			delete(g.vars, variable)
		}
	}
}
