package analyze

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mode7labs/raceway/clock"
	"github.com/mode7labs/raceway/engine/causal"
)

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, sec, 0, time.UTC)
}

func TestCriticalPathChainVsBranch(t *testing.T) {
	is := is.New(t)
	g := causal.New()
	// Chain root → m1 → m2 (100 + 200 + 150 ms) and a parallel branch
	// root → par (100 + 400 ms). The branch wins.
	g.Add("root", clock.Clock{"a#1": 1}, "a", at(0), 100)
	g.Add("m1", clock.Clock{"a#1": 2}, "a", at(1), 200)
	g.Add("m2", clock.Clock{"a#1": 3}, "a", at(2), 150)
	g.Add("par", clock.Clock{"a#1": 1, "b#1": 1}, "b", at(1), 400)

	cp := ComputeCriticalPath(context.Background(), g, at(0), at(3))
	is.Equal(cp.EventIDs, []string{"root", "par"})
	is.Equal(cp.TotalDurationMS, 500.0)
	is.True(!cp.TimedOut)
}

func TestCriticalPathOptimality(t *testing.T) {
	g := causal.New()
	// Diamond: root → {left: 50, right: 70} → join. Best = root+right+join.
	g.Add("root", clock.Clock{"a#1": 1}, "a", at(0), 10)
	g.Add("left", clock.Clock{"a#1": 1, "b#1": 1}, "b", at(1), 50)
	g.Add("right", clock.Clock{"a#1": 1, "c#1": 1}, "c", at(1), 70)
	g.Add("join", clock.Clock{"a#1": 1, "b#1": 1, "c#1": 1}, "a", at(2), 5)

	cp := ComputeCriticalPath(context.Background(), g, at(0), at(3))

	// Exhaustive check over all root-to-leaf paths in this tiny DAG.
	want := 10.0 + 70 + 5
	if cp.TotalDurationMS != want {
		t.Errorf("total = %v, want %v", cp.TotalDurationMS, want)
	}
	if len(cp.EventIDs) != 3 || cp.EventIDs[1] != "right" {
		t.Errorf("path = %v", cp.EventIDs)
	}
}

func TestCriticalPathPercentOfTrace(t *testing.T) {
	is := is.New(t)
	g := causal.New()
	g.Add("a", clock.Clock{"s#1": 1}, "s", at(0), 500)

	// Trace spans one second; the 500ms path covers half of it.
	cp := ComputeCriticalPath(context.Background(), g, at(0), at(1))
	is.Equal(cp.PercentOfTrace, 50.0)
}

func TestCriticalPathEmptyGraph(t *testing.T) {
	is := is.New(t)
	cp := ComputeCriticalPath(context.Background(), causal.New(), at(0), at(1))
	is.Equal(len(cp.EventIDs), 0)
	is.Equal(cp.TotalDurationMS, 0.0)
}

func TestCriticalPathDeadline(t *testing.T) {
	g := causal.New()
	// Enough vertices to trip at least one deadline check.
	c := clock.Clock{}
	for i := 0; i < deadlineCheckStride*3; i++ {
		c = c.Increment("s#1")
		g.Add(eventID(i), c, "s", at(i), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cp := ComputeCriticalPath(ctx, g, at(0), at(1000))
	if !cp.TimedOut {
		t.Fatal("expected TimedOut on an expired context")
	}
}

func eventID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestBaselineWelford(t *testing.T) {
	is := is.New(t)
	b := NewBaselines(3, 3)
	sig := Signature{Service: "s", Kind: "HttpRequest", Location: "api:1"}

	for _, v := range []float64{10, 12, 8, 11, 9} {
		b.Classify(sig, v, at(0))
	}
	stats, ok := b.Stats(sig)
	is.True(ok)
	is.Equal(stats.Count, int64(5))
	is.Equal(stats.MeanMS, 10.0)
	if stats.StddevMS < 1.5 || stats.StddevMS > 1.7 {
		t.Errorf("stddev = %v, want ~1.58", stats.StddevMS)
	}
}

func TestAnomalyClassification(t *testing.T) {
	is := is.New(t)
	b := NewBaselines(3, 20)
	sig := Signature{Service: "S", Kind: "DatabaseQuery", Location: "api:42"}

	// 25 observations around 50ms: no anomalies while warming.
	for i := 0; i < 25; i++ {
		v := 50.0
		if i%2 == 0 {
			v = 48
		} else {
			v = 52
		}
		if a := b.Classify(sig, v, at(i)); a != nil {
			t.Fatalf("unexpected anomaly during baseline build: %+v", a)
		}
	}

	a := b.Classify(sig, 500, at(30))
	is.True(a != nil)
	is.True(a.DeviationSigma >= 3)
	is.Equal(a.Severity, SeverityHigh)
	is.Equal(a.Signature, sig)

	// The extreme value entered the baseline only after classification;
	// a normal value right after is still normal.
	if normal := b.Classify(sig, 51, at(31)); normal != nil {
		t.Errorf("normal value flagged after outlier: %+v", normal)
	}
}

func TestAnomalyMinSamplesGate(t *testing.T) {
	is := is.New(t)
	b := NewBaselines(3, 20)
	sig := Signature{Service: "s", Kind: "Custom"}
	for i := 0; i < 19; i++ {
		b.Classify(sig, 10, at(i))
	}
	// 19 samples: even a wild value is not classified.
	is.True(b.Classify(sig, 10000, at(20)) == nil)
}

func TestWarmCount(t *testing.T) {
	is := is.New(t)
	b := NewBaselines(3, 2)
	warm := Signature{Service: "a", Kind: "Custom"}
	cold := Signature{Service: "b", Kind: "Custom"}
	b.Classify(warm, 1, at(0))
	b.Classify(warm, 2, at(1))
	b.Classify(cold, 1, at(2))

	is.Equal(b.WarmCount(), 1)
	is.Equal(b.Len(), 2)
}

func TestComputeDependencies(t *testing.T) {
	is := is.New(t)
	g := causal.New()
	// api → billing twice, billing → db once; an intra-service edge is
	// ignored.
	g.Add("a1", clock.Clock{"api#1": 1}, "api", at(0), 5)
	g.Add("b1", clock.Clock{"api#1": 1, "billing#1": 1}, "billing", at(1), 30)
	g.Add("b2", clock.Clock{"api#1": 1, "billing#1": 2}, "billing", at(2), 10)
	g.Add("a2", clock.Clock{"api#1": 2}, "api", at(1), 5)
	g.Add("b3", clock.Clock{"api#1": 2, "billing#1": 3}, "billing", at(3), 50)
	g.Add("d1", clock.Clock{"api#1": 2, "billing#1": 3, "db#1": 1}, "db", at(4), 7)

	deps := ComputeDependencies(context.Background(), g)
	is.Equal(len(deps.Nodes), 3)

	var apiBilling, billingDB *DependencyEdge
	for i := range deps.Edges {
		e := &deps.Edges[i]
		if e.FromService == "api" && e.ToService == "billing" {
			apiBilling = e
		}
		if e.FromService == "billing" && e.ToService == "db" {
			billingDB = e
		}
	}
	is.True(apiBilling != nil)
	is.Equal(apiBilling.CallCount, 2)
	is.Equal(apiBilling.MeanDurationMS, 40.0)
	is.True(billingDB != nil)
	is.Equal(billingDB.CallCount, 1)
	is.Equal(billingDB.MeanDurationMS, 7.0)
}
