package analyze

import (
	"context"
	"sort"

	"github.com/mode7labs/raceway/engine/causal"
)

// DependencyNode is one service in the dependency graph arena.
type DependencyNode struct {
	Service string `json:"service_name"`
}

// DependencyEdge is an aggregated directed dependency between services.
// From and To are indices into the node arena, never pointers, because
// service aggregations can form cycles.
type DependencyEdge struct {
	From           int     `json:"from"`
	To             int     `json:"to"`
	FromService    string  `json:"from_service"`
	ToService      string  `json:"to_service"`
	CallCount      int     `json:"call_count"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
}

// DependencyGraph is the arena-backed service dependency view of a trace.
type DependencyGraph struct {
	Nodes    []DependencyNode `json:"nodes"`
	Edges    []DependencyEdge `json:"edges"`
	TimedOut bool             `json:"timed_out,omitempty"`
}

// ComputeDependencies derives the service dependency graph from DAG edges
// that cross service boundaries. Edge weight aggregates the call count
// and the mean duration of the callee event.
func ComputeDependencies(ctx context.Context, g *causal.Graph) DependencyGraph {
	nodeIndex := make(map[string]int)
	var nodes []DependencyNode
	node := func(service string) int {
		if i, ok := nodeIndex[service]; ok {
			return i
		}
		i := len(nodes)
		nodeIndex[service] = i
		nodes = append(nodes, DependencyNode{Service: service})
		return i
	}

	type agg struct {
		count int
		total float64
	}
	edges := make(map[[2]int]*agg)

	timedOut := false
	for i, id := range g.IDs() {
		if i%deadlineCheckStride == deadlineCheckStride-1 && ctx.Err() != nil {
			timedOut = true
			break
		}
		v := g.Vertex(id)
		for succID := range v.Succs {
			succ := g.Vertex(succID)
			if succ.Service == v.Service {
				continue
			}
			key := [2]int{node(v.Service), node(succ.Service)}
			a, ok := edges[key]
			if !ok {
				a = &agg{}
				edges[key] = a
			}
			a.count++
			a.total += succ.DurationMS
		}
	}

	out := DependencyGraph{Nodes: nodes, TimedOut: timedOut}
	for key, a := range edges {
		out.Edges = append(out.Edges, DependencyEdge{
			From:           key[0],
			To:             key[1],
			FromService:    nodes[key[0]].Service,
			ToService:      nodes[key[1]].Service,
			CallCount:      a.count,
			MeanDurationMS: a.total / float64(a.count),
		})
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].FromService != out.Edges[j].FromService {
			return out.Edges[i].FromService < out.Edges[j].FromService
		}
		return out.Edges[i].ToService < out.Edges[j].ToService
	})
	if out.Edges == nil {
		out.Edges = []DependencyEdge{}
	}
	if out.Nodes == nil {
		out.Nodes = []DependencyNode{}
	}
	return out
}
