// Package analyze computes derived views over a trace's causal DAG:
// the critical path, duration anomalies against learned baselines, and
// the cross-service dependency graph.
package analyze

import (
	"context"
	"time"

	"github.com/mode7labs/raceway/engine/causal"
)

// deadlineCheckStride controls how many vertex visits pass between
// context deadline checks.
const deadlineCheckStride = 64

// CriticalPath is the longest-duration root-to-leaf chain through a
// trace's DAG.
type CriticalPath struct {
	EventIDs        []string `json:"event_ids"`
	TotalDurationMS float64  `json:"total_duration_ms"`
	// PercentOfTrace is the path duration as a percentage of the trace's
	// wall-clock span. Zero when the span is zero.
	PercentOfTrace float64 `json:"percent_of_trace"`
	TimedOut       bool    `json:"timed_out,omitempty"`
}

type pathState struct {
	total float64   // best cumulative duration ending here
	end   time.Time // end timestamp of this vertex
	prev  string    // predecessor on the best path, "" for path start
}

// ComputeCriticalPath runs a longest-path pass over the DAG in
// topological order. Ties are broken by later end-timestamp, then by
// lexicographic event id. The context deadline is checked between vertex
// visits; on expiry the best path found so far is returned with
// TimedOut set.
func ComputeCriticalPath(ctx context.Context, g *causal.Graph, traceStart, traceEnd time.Time) CriticalPath {
	if g.Len() == 0 {
		return CriticalPath{EventIDs: []string{}}
	}

	order := g.TopoOrder()
	states := make(map[string]*pathState, len(order))

	timedOut := false
	for i, id := range order {
		if i%deadlineCheckStride == deadlineCheckStride-1 && ctx.Err() != nil {
			timedOut = true
			break
		}

		v := g.Vertex(id)
		st := &pathState{
			total: v.DurationMS,
			end:   v.Timestamp.Add(time.Duration(v.DurationMS * float64(time.Millisecond))),
		}
		for predID := range v.Preds {
			ps, ok := states[predID]
			if !ok {
				continue // predecessor unvisited before timeout
			}
			if betterPred(ps, predID, v.DurationMS, st, states) {
				st.total = ps.total + v.DurationMS
				st.prev = predID
			}
		}
		states[id] = st
	}

	bestID := pickTerminal(g, states, timedOut)
	if bestID == "" {
		return CriticalPath{EventIDs: []string{}, TimedOut: timedOut}
	}
	best := states[bestID]

	// Walk the prev chain back to the path start.
	var reversed []string
	for id := bestID; id != ""; id = states[id].prev {
		reversed = append(reversed, id)
	}
	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}

	cp := CriticalPath{
		EventIDs:        path,
		TotalDurationMS: best.total,
		TimedOut:        timedOut,
	}
	if span := traceEnd.Sub(traceStart); span > 0 {
		cp.PercentOfTrace = cp.TotalDurationMS / (float64(span) / float64(time.Millisecond)) * 100
	}
	return cp
}

// betterPred reports whether routing through pred improves the current
// state: strictly greater total wins; an equal total wins over the
// no-predecessor path, and among predecessors prefers the later-ending
// one, then the lexicographically smaller id.
func betterPred(ps *pathState, predID string, ownDuration float64, st *pathState, states map[string]*pathState) bool {
	candidate := ps.total + ownDuration
	if candidate != st.total {
		return candidate > st.total
	}
	if st.prev == "" {
		return true
	}
	cur := states[st.prev]
	if !ps.end.Equal(cur.end) {
		return ps.end.After(cur.end)
	}
	return predID < st.prev
}

// pickTerminal selects the path endpoint: the leaf (or, after a timeout,
// any visited vertex) with the greatest total, breaking ties by later end
// timestamp then smaller event id.
func pickTerminal(g *causal.Graph, states map[string]*pathState, timedOut bool) string {
	var bestID string
	var best *pathState
	for _, id := range g.IDs() {
		st, ok := states[id]
		if !ok {
			continue
		}
		if !timedOut && len(g.Vertex(id).Succs) > 0 {
			continue
		}
		switch {
		case best == nil, st.total > best.total:
		case st.total < best.total:
			continue
		case !st.end.Equal(best.end):
			if st.end.Before(best.end) {
				continue
			}
		case id > bestID:
			continue
		}
		best, bestID = st, id
	}
	return bestID
}
