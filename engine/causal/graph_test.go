package causal

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mode7labs/raceway/clock"
)

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, sec, 0, time.UTC)
}

func TestChainEdges(t *testing.T) {
	is := is.New(t)
	g := New()
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
	g.Add("b", clock.Clock{"s#1": 2}, "s", at(1), 0)
	g.Add("c", clock.Clock{"s#1": 3}, "s", at(2), 0)

	edges := g.Edges()
	is.Equal(len(edges), 2)
	is.Equal(edges[0], Edge{From: "a", To: "b"})
	is.Equal(edges[1], Edge{From: "b", To: "c"})
	is.Equal(g.Roots(), []string{"a"})
	is.Equal(g.Leaves(), []string{"c"})
}

func TestTransitiveReduction(t *testing.T) {
	is := is.New(t)
	g := New()
	// a < b < c all inserted; edge a→c must not exist.
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
	g.Add("c", clock.Clock{"s#1": 3}, "s", at(2), 0)
	// a→c exists until b arrives between them.
	is.Equal(len(g.Edges()), 1)

	g.Add("b", clock.Clock{"s#1": 2}, "s", at(1), 0)
	edges := g.Edges()
	is.Equal(len(edges), 2)
	for _, e := range edges {
		if e.From == "a" && e.To == "c" {
			t.Error("transitive edge a→c survived insertion of b")
		}
	}
}

func TestConcurrentVertices(t *testing.T) {
	is := is.New(t)
	g := New()
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
	g.Add("b", clock.Clock{"t#1": 1}, "t", at(0), 0)

	is.Equal(len(g.Edges()), 0)
	_, ok := g.Vertex("a").Concurrent["b"]
	is.True(ok)
	_, ok = g.Vertex("b").Concurrent["a"]
	is.True(ok)
}

func TestDiamond(t *testing.T) {
	is := is.New(t)
	g := New()
	// root → {left, right} → join
	g.Add("root", clock.Clock{"a#1": 1}, "a", at(0), 0)
	g.Add("left", clock.Clock{"a#1": 1, "b#1": 1}, "b", at(1), 0)
	g.Add("right", clock.Clock{"a#1": 1, "c#1": 1}, "c", at(1), 0)
	g.Add("join", clock.Clock{"a#1": 1, "b#1": 1, "c#1": 1}, "a", at(2), 0)

	v := g.Vertex("join")
	is.Equal(len(v.Preds), 2)
	_, hasLeft := v.Preds["left"]
	_, hasRight := v.Preds["right"]
	is.True(hasLeft && hasRight)

	// left and right are mutually concurrent.
	_, ok := g.Vertex("left").Concurrent["right"]
	is.True(ok)

	is.Equal(g.Roots(), []string{"root"})
	is.Equal(g.Leaves(), []string{"join"})
}

func TestTopoOrderRespectsHappensBefore(t *testing.T) {
	g := New()
	// Insert out of order; topo order must still respect the clocks.
	g.Add("c", clock.Clock{"s#1": 3}, "s", at(2), 0)
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
	g.Add("x", clock.Clock{"t#1": 1}, "t", at(1), 0)
	g.Add("b", clock.Clock{"s#1": 2}, "s", at(1), 0)

	order := g.TopoOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"a", "c"}} {
		if pos[pair[0]] > pos[pair[1]] {
			t.Errorf("topo order %v places %s after %s", order, pair[0], pair[1])
		}
	}
	if len(order) != 4 {
		t.Errorf("topo order has %d entries, want 4", len(order))
	}
}

func TestTopoOrderDeterministicForConcurrent(t *testing.T) {
	is := is.New(t)
	build := func() *Graph {
		g := New()
		g.Add("b", clock.Clock{"t#1": 1}, "t", at(0), 0)
		g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
		return g
	}
	// Equal timestamps: lexicographic event id breaks the tie.
	is.Equal(build().TopoOrder(), []string{"a", "b"})
}

func TestAddIdempotent(t *testing.T) {
	is := is.New(t)
	g := New()
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 0)
	g.Add("a", clock.Clock{"s#1": 99}, "s", at(5), 0)
	is.Equal(g.Len(), 1)
	is.Equal(g.Vertex("a").Clock.Get("s#1"), uint64(1))
}
