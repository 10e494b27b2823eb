package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mode7labs/raceway/clock"
	"github.com/mode7labs/raceway/engine/analyze"
	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/spec"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testEngine(capacity int) *Engine {
	cfg := Defaults()
	cfg.TraceCapacity = capacity
	cfg.WarmupTargetSignatures = 1
	cfg.BaselineMinSamples = 5
	return New(cfg, nil, nil)
}

func testEvent(id, traceID, thread string, n uint64) spec.Event {
	return spec.Event{
		EventID:     id,
		TraceID:     traceID,
		Kind:        spec.KindCustom,
		Timestamp:   t0.Add(time.Duration(n) * time.Second),
		ServiceName: "svc",
		InstanceID:  "1",
		ThreadID:    thread,
		VectorClock: clock.Clock{"svc#1": n},
	}
}

func writeTo(id, traceID, thread, variable string, c clock.Clock) spec.Event {
	e := spec.Event{
		EventID:     id,
		TraceID:     traceID,
		Kind:        spec.KindStateChange,
		Timestamp:   t0,
		ServiceName: "svc",
		InstanceID:  "1",
		ThreadID:    thread,
		VectorClock: c,
	}
	e.Metadata.StateChange = &spec.StateChange{Variable: variable, AccessType: spec.AccessWrite}
	return e
}

func TestIngestValidation(t *testing.T) {
	e := testEngine(10)

	_, err := e.Ingest(spec.Event{})
	engErr, ok := AsError(err)
	if !ok || engErr.Kind != KindInvalidEvent {
		t.Fatalf("err = %v, want InvalidEvent", err)
	}

	// Clock missing the event's own component.
	bad := testEvent("e1", "t1", "th", 1)
	bad.VectorClock = clock.Clock{"other#9": 1}
	_, err = e.Ingest(bad)
	engErr, ok = AsError(err)
	if !ok || engErr.Kind != KindInvalidEvent {
		t.Fatalf("err = %v, want InvalidEvent for foreign clock", err)
	}

	// Negative duration.
	neg := testEvent("e2", "t1", "th", 1)
	d := -1.0
	neg.DurationMS = &d
	if _, err := e.Ingest(neg); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestIngestDuplicateAndConflict(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)
	ev := testEvent("e1", "t1", "th", 1)

	res, err := e.Ingest(ev)
	is.NoErr(err)
	is.True(res.Success)
	is.True(!res.Duplicate)

	res, err = e.Ingest(ev)
	is.NoErr(err)
	is.True(res.Success)
	is.True(res.Duplicate)

	altered := ev
	altered.ThreadID = "other"
	_, err = e.Ingest(altered)
	engErr, ok := AsError(err)
	is.True(ok)
	is.Equal(engErr.Kind, KindConflict)
}

func TestIngestRaceDetection(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	_, err := e.Ingest(writeTo("w1", "t1", "th1", "balance", clock.Clock{"svc#1": 1}))
	is.NoErr(err)
	w2 := writeTo("w2", "t1", "th2", "balance", clock.Clock{"svc#2": 1})
	w2.InstanceID = "2"
	_, err = e.Ingest(w2)
	is.NoErr(err)

	report, err := e.Anomalies("t1")
	is.NoErr(err)
	is.Equal(report.PotentialRaces, 1)
	is.Equal(report.Races[0].Type, race.WriteWrite)
	is.Equal(report.Races[0].Severity, race.Critical)
}

func TestCausallyOrderedWritesNoRace(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	_, err := e.Ingest(writeTo("w1", "t1", "th1", "x", clock.Clock{"svc#1": 1}))
	is.NoErr(err)
	ordered := writeTo("w2", "t1", "th2", "x", clock.Clock{"svc#1": 1, "svc#2": 1})
	ordered.InstanceID = "2"
	_, err = e.Ingest(ordered)
	is.NoErr(err)

	report, err := e.Anomalies("t1")
	is.NoErr(err)
	is.Equal(report.PotentialRaces, 0)
}

func TestGlobalRaceAcrossTraces(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	w1 := writeTo("w1", "trace-A", "th1", "user.balance", clock.Clock{"svc#1": 1})
	_, err := e.Ingest(w1)
	is.NoErr(err)

	w2 := writeTo("w2", "trace-B", "th1", "user.balance", clock.Clock{"svc#2": 1})
	w2.InstanceID = "2"
	_, err = e.Ingest(w2)
	is.NoErr(err)

	page := e.GlobalRaces(1, 10, "")
	is.Equal(page.TotalRaces, 1)
	is.Equal(page.Races[0].Type, race.WriteWrite)

	// Participants reference both traces.
	traces := map[string]bool{
		page.Races[0].Participants[0].TraceID: true,
		page.Races[0].Participants[1].TraceID: true,
	}
	is.True(traces["trace-A"] && traces["trace-B"])

	// per_page=1 returns one record and the full total.
	one := e.GlobalRaces(1, 1, "")
	is.Equal(len(one.Races), 1)
	is.Equal(one.TotalRaces, 1)
}

func TestBaselineIdempotence(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	d := 50.0
	ev := testEvent("e1", "t1", "th", 1)
	ev.DurationMS = &d

	_, err := e.Ingest(ev)
	is.NoErr(err)
	// Re-ingesting the identical event must not double-count.
	_, err = e.Ingest(ev)
	is.NoErr(err)

	is.Equal(e.Status().EventsCaptured, int64(1))
	is.Equal(e.baselines.Len(), 1)
	stats, ok := e.baselines.Stats(analyze.Signature{Service: "svc", Kind: "Custom"})
	is.True(ok)
	is.Equal(stats.Count, int64(1))
}

func TestWarmupTransitionAndAnomaly(t *testing.T) {
	is := is.New(t)
	cfg := Defaults()
	cfg.BaselineMinSamples = 20
	cfg.WarmupTargetSignatures = 1
	e := New(cfg, nil, nil)
	e.phase.Store(PhaseWarmup)

	// 25 observations near 50ms warm the signature up.
	for i := 0; i < 25; i++ {
		d := 48.0
		if i%2 == 1 {
			d = 52.0
		}
		ev := testEvent(fmt.Sprintf("e%d", i), "t1", "th", uint64(i+1))
		ev.Kind = spec.KindCustom
		ev.Location = "api:42"
		ev.DurationMS = &d
		_, err := e.Ingest(ev)
		is.NoErr(err)
	}
	is.Equal(e.Phase(), PhaseComplete)

	// The outlier is flagged once warm.
	big := 500.0
	outlier := testEvent("outlier", "t1", "th", 26)
	outlier.Location = "api:42"
	outlier.DurationMS = &big
	_, err := e.Ingest(outlier)
	is.NoErr(err)

	report, err := e.Anomalies("t1")
	is.NoErr(err)
	is.Equal(len(report.Anomalies), 1)
	is.True(report.Anomalies[0].DeviationSigma >= 3)
	is.Equal(string(report.Anomalies[0].Severity), "High")
	is.Equal(report.Anomalies[0].EventID, "outlier")
}

func TestAnomalySuppressedDuringWarmup(t *testing.T) {
	is := is.New(t)
	cfg := Defaults()
	cfg.BaselineMinSamples = 5
	cfg.WarmupTargetSignatures = 99 // never leaves warm-up in this test
	e := New(cfg, nil, nil)
	e.phase.Store(PhaseWarmup)

	for i := 0; i < 6; i++ {
		d := 50.0 + float64(i%2)
		ev := testEvent(fmt.Sprintf("e%d", i), "t1", "th", uint64(i+1))
		ev.DurationMS = &d
		_, err := e.Ingest(ev)
		is.NoErr(err)
	}
	big := 5000.0
	outlier := testEvent("outlier", "t1", "th", 7)
	outlier.DurationMS = &big
	_, err := e.Ingest(outlier)
	is.NoErr(err)

	is.Equal(e.Phase(), PhaseWarmup)
	report, err := e.Anomalies("t1")
	is.NoErr(err)
	is.Equal(len(report.Anomalies), 0)
}

func TestTraceEvictionAndNotFound(t *testing.T) {
	is := is.New(t)
	e := testEngine(2)

	for i, traceID := range []string{"T1", "T2", "T3"} {
		_, err := e.Ingest(testEvent(fmt.Sprintf("e%d", i), traceID, "th", 1))
		is.NoErr(err)
	}

	// T1 was evicted whole: it is gone, not retryable.
	_, err := e.Anomalies("T1")
	engErr, ok := AsError(err)
	is.True(ok)
	is.Equal(engErr.Kind, KindNotFound)

	_, err = e.Anomalies("T2")
	is.NoErr(err)
	_, err = e.Anomalies("T3")
	is.NoErr(err)

	// A trace that never existed is NotFound too.
	_, err = e.Anomalies("never")
	engErr, ok = AsError(err)
	is.True(ok)
	is.Equal(engErr.Kind, KindNotFound)
}


func TestCriticalPathQuery(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	durs := map[string]float64{"root": 100, "m1": 200, "m2": 150, "par": 400}
	clocks := map[string]clock.Clock{
		"root": {"svc#1": 1},
		"m1":   {"svc#1": 2},
		"m2":   {"svc#1": 3},
		"par":  {"svc#1": 1, "b#1": 1},
	}
	for _, id := range []string{"root", "m1", "m2", "par"} {
		ev := testEvent(id, "t1", "th", clocks[id].Get("svc#1"))
		ev.VectorClock = clocks[id]
		d := durs[id]
		ev.DurationMS = &d
		_, err := e.Ingest(ev)
		is.NoErr(err)
	}

	cp, err := e.CriticalPath(context.Background(), "t1")
	is.NoErr(err)
	is.Equal(cp.TotalDurationMS, 500.0)
	is.Equal(cp.EventIDs, []string{"root", "par"})
}

func TestTraceDetailAndAuditTrail(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	_, err := e.Ingest(writeTo("w1", "t1", "th1", "balance", clock.Clock{"svc#1": 1}))
	is.NoErr(err)
	w2 := writeTo("w2", "t1", "th1", "balance", clock.Clock{"svc#1": 2})
	_, err = e.Ingest(w2)
	is.NoErr(err)

	detail, err := e.TraceDetail(context.Background(), "t1")
	is.NoErr(err)
	is.Equal(len(detail.Events), 2)
	is.Equal(detail.Summary.EventCount, 2)
	is.Equal(len(detail.AuditTrails["balance"]), 2)

	trail, err := e.AuditTrail("t1", "balance")
	is.NoErr(err)
	is.Equal(trail[0].EventID, "w1")
	is.Equal(trail[1].EventID, "w2")

	_, err = e.AuditTrail("t1", "missing")
	engErr, ok := AsError(err)
	is.True(ok)
	is.Equal(engErr.Kind, KindNotFound)
}

func TestServiceQueries(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	_, err := e.Ingest(testEvent("e1", "t1", "th", 1))
	is.NoErr(err)

	services := e.Services()
	is.Equal(len(services), 1)
	is.Equal(services[0].Name, "svc")

	page, err := e.ServiceTraces("svc", 1, 10, "")
	is.NoErr(err)
	is.Equal(page.TotalTraces, 1)

	_, err = e.ServiceTraces("ghost", 1, 10, "")
	engErr, ok := AsError(err)
	is.True(ok)
	is.Equal(engErr.Kind, KindNotFound)
}

func TestServiceDependenciesQuery(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	a := testEvent("a1", "t1", "th", 1)
	a.ServiceName = "api"
	a.VectorClock = clock.Clock{"api#1": 1}
	_, err := e.Ingest(a)
	is.NoErr(err)

	b := testEvent("b1", "t1", "th", 1)
	b.ServiceName = "billing"
	b.VectorClock = clock.Clock{"api#1": 1, "billing#1": 1}
	d := 30.0
	b.DurationMS = &d
	_, err = e.Ingest(b)
	is.NoErr(err)

	deps, err := e.ServiceDependencies(context.Background(), "billing")
	is.NoErr(err)
	is.Equal(len(deps.Upstream), 1)
	is.Equal(deps.Upstream[0].FromService, "api")
	is.Equal(len(deps.Downstream), 0)

	apiDeps, err := e.ServiceDependencies(context.Background(), "api")
	is.NoErr(err)
	is.Equal(len(apiDeps.Downstream), 1)
	is.Equal(apiDeps.Downstream[0].ToService, "billing")
}

func TestServicesHealth(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	_, err := e.Ingest(writeTo("w1", "t1", "th1", "x", clock.Clock{"svc#1": 1}))
	is.NoErr(err)
	w2 := writeTo("w2", "t1", "th2", "x", clock.Clock{"svc#2": 1})
	w2.InstanceID = "2"
	_, err = e.Ingest(w2)
	is.NoErr(err)

	health := e.ServicesHealth(time.Hour, t0.Add(time.Minute))
	is.Equal(len(health), 1)
	// Every trace for svc races: unhealthy.
	is.Equal(health[0].Band, BandUnhealthy)
}

func TestIngestBatchPartialFailure(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)

	results := e.IngestBatch([]spec.Event{
		testEvent("ok1", "t1", "th", 1),
		{}, // invalid
		testEvent("ok2", "t1", "th", 2),
	})
	is.Equal(len(results), 3)
	is.True(results[0].Success)
	is.True(!results[1].Success)
	is.True(results[1].Error != "")
	is.True(results[2].Success)
}

func TestStatus(t *testing.T) {
	is := is.New(t)
	e := testEngine(10)
	is.Equal(e.Phase(), PhaseStarting)

	_, err := e.Ingest(testEvent("e1", "t1", "th", 1))
	is.NoErr(err)

	st := e.Status()
	is.Equal(st.Version, Version)
	is.Equal(st.EventsCaptured, int64(1))
	is.Equal(st.TracesActive, 1)

	// The engine reports its own identity and clock component.
	is.Equal(st.ServiceName, "raceway")
	is.True(st.InstanceID != "")
	is.Equal(st.Component, "raceway#"+st.InstanceID)
}
