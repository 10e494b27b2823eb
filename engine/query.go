package engine

import (
	"context"
	"sort"
	"time"

	"github.com/mode7labs/raceway/clock"
	"github.com/mode7labs/raceway/engine/analyze"
	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/engine/store"
	"github.com/mode7labs/raceway/spec"
)

// Status is the /status payload.
type Status struct {
	Version        string `json:"version"`
	ServiceName    string `json:"service_name"`
	InstanceID     string `json:"instance_id"`
	Component      string `json:"component"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	EventsCaptured int64  `json:"events_captured"`
	TracesActive   int    `json:"traces_active"`
	Phase          Phase  `json:"phase"`
	WarmSignatures int    `json:"warm_signatures"`
}

// Status reports engine liveness counters and the engine's own identity:
// service, instance, and the clock component they form.
func (e *Engine) Status() Status {
	return Status{
		Version:        Version,
		ServiceName:    e.cfg.ServiceName,
		InstanceID:     e.cfg.InstanceID,
		Component:      clock.Component(e.cfg.ServiceName, e.cfg.InstanceID),
		UptimeSeconds:  int64(time.Since(e.started).Seconds()),
		EventsCaptured: e.store.EventsCaptured(),
		TracesActive:   e.store.ActiveTraces(),
		Phase:          e.Phase(),
		WarmSignatures: e.baselines.WarmCount(),
	}
}

// TracePage is one page of trace summaries.
type TracePage struct {
	Traces      []store.Summary `json:"traces"`
	TotalTraces int             `json:"total_traces"`
	Page        int             `json:"page"`
	PerPage     int             `json:"per_page"`
}

func paginate[T any](items []T, page, perPage int) ([]T, int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], page, perPage
}

// TraceSummaries lists resident traces in descending order of the chosen
// sort key (latest start, longest duration or most events), ties by trace
// id, optionally filtered by service.
func (e *Engine) TraceSummaries(page, perPage int, service string, key store.SortKey) TracePage {
	all := e.store.Summaries(service, key)
	items, page, perPage := paginate(all, page, perPage)
	return TracePage{Traces: items, TotalTraces: len(all), Page: page, PerPage: perPage}
}

// traceSlot resolves a trace id. Absent traces — including traces long
// since evicted — are NotFound; a trace evicted between lookup and view
// construction surfaces as a retryable CapacityExceeded.
func (e *Engine) traceSlot(traceID string) (*store.Trace, error) {
	t, ok := e.store.Trace(traceID)
	if !ok {
		return nil, notFoundf("trace %s not found", traceID)
	}
	if t.State() == store.StateEvicted {
		return nil, &Error{
			Kind:              KindCapacityExceeded,
			Msg:               "trace " + traceID + " was evicted under capacity pressure",
			RetryAfterSeconds: 30,
		}
	}
	return t, nil
}

// Analysis is the per-trace analysis summary embedded in TraceDetail.
type Analysis struct {
	PotentialRaces int               `json:"potential_races"`
	Races          []race.Race       `json:"races"`
	Anomalies      []analyze.Anomaly `json:"anomalies"`
}

// TraceDetail is the full /traces/{id} payload.
type TraceDetail struct {
	Summary      store.Summary            `json:"summary"`
	Events       []spec.Event             `json:"events"`
	Analysis     Analysis                 `json:"analysis"`
	CriticalPath analyze.CriticalPath     `json:"critical_path"`
	Dependencies analyze.DependencyGraph  `json:"dependencies"`
	AuditTrails  map[string][]race.Access `json:"audit_trails"`
	Partial      bool                     `json:"partial,omitempty"`
	Diagnostic   string                   `json:"diagnostic,omitempty"`
}

// TraceDetail assembles the full trace view. Analyzer timeouts degrade
// to a partial result rather than failing the query.
func (e *Engine) TraceDetail(ctx context.Context, traceID string) (TraceDetail, error) {
	t, err := e.traceSlot(traceID)
	if err != nil {
		return TraceDetail{}, err
	}

	events := t.Events()
	races := t.Races()
	anomalies := t.Anomalies()
	g := t.SnapshotGraph()
	start, end := t.Bounds()

	cp := analyze.ComputeCriticalPath(ctx, g, start, end)
	deps := analyze.ComputeDependencies(ctx, g)

	trails := make(map[string][]race.Access)
	for _, v := range traceVariables(events) {
		if trail, ok := t.AuditTrail(v); ok {
			trails[v] = trail
		}
	}

	detail := TraceDetail{
		Summary: t.Summary(),
		Events:  events,
		Analysis: Analysis{
			PotentialRaces: len(races),
			Races:          races,
			Anomalies:      anomalies,
		},
		CriticalPath: cp,
		Dependencies: deps,
		AuditTrails:  trails,
	}
	if cp.TimedOut || deps.TimedOut {
		detail.Partial = true
		detail.Diagnostic = "analyzer deadline exceeded; critical path and dependencies may be incomplete"
	}
	return detail, nil
}

func traceVariables(events []spec.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range events {
		if v := events[i].Variable(); v != "" {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CriticalPath computes only the critical path for a trace.
func (e *Engine) CriticalPath(ctx context.Context, traceID string) (analyze.CriticalPath, error) {
	t, err := e.traceSlot(traceID)
	if err != nil {
		return analyze.CriticalPath{}, err
	}
	start, end := t.Bounds()
	return analyze.ComputeCriticalPath(ctx, t.SnapshotGraph(), start, end), nil
}

// AnomalyReport is the /traces/{id}/anomalies payload. It carries the
// race counters alongside the anomalies so a single probe covers both
// analysis surfaces.
type AnomalyReport struct {
	TraceID        string            `json:"trace_id"`
	Anomalies      []analyze.Anomaly `json:"anomalies"`
	PotentialRaces int               `json:"potential_races"`
	Races          []race.Race       `json:"races"`
}

// Anomalies returns the trace's anomaly report.
func (e *Engine) Anomalies(traceID string) (AnomalyReport, error) {
	t, err := e.traceSlot(traceID)
	if err != nil {
		return AnomalyReport{}, err
	}
	races := t.Races()
	anomalies := t.Anomalies()
	if anomalies == nil {
		anomalies = []analyze.Anomaly{}
	}
	if races == nil {
		races = []race.Race{}
	}
	return AnomalyReport{
		TraceID:        traceID,
		Anomalies:      anomalies,
		PotentialRaces: len(races),
		Races:          races,
	}, nil
}

// Dependencies returns the trace's service dependency graph.
func (e *Engine) Dependencies(ctx context.Context, traceID string) (analyze.DependencyGraph, error) {
	t, err := e.traceSlot(traceID)
	if err != nil {
		return analyze.DependencyGraph{}, err
	}
	return analyze.ComputeDependencies(ctx, t.SnapshotGraph()), nil
}

// AuditTrail returns the ordered accesses to one variable in a trace.
func (e *Engine) AuditTrail(traceID, variable string) ([]race.Access, error) {
	t, err := e.traceSlot(traceID)
	if err != nil {
		return nil, err
	}
	trail, ok := t.AuditTrail(variable)
	if !ok {
		return nil, notFoundf("variable %s has no accesses in trace %s", variable, traceID)
	}
	return trail, nil
}

// Services lists per-service metrics.
func (e *Engine) Services() []store.ServiceMetrics {
	return e.store.ListServices()
}

// ServiceTraces lists traces touching a service; unknown services are
// NotFound.
func (e *Engine) ServiceTraces(name string, page, perPage int, key store.SortKey) (TracePage, error) {
	if !e.store.ServiceKnown(name) {
		return TracePage{}, notFoundf("service %s not found", name)
	}
	return e.TraceSummaries(page, perPage, name, key), nil
}

// ServiceDependencies is the upstream/downstream view for one service.
type ServiceDependencies struct {
	Service    string                   `json:"service_name"`
	Upstream   []analyze.DependencyEdge `json:"upstream"`
	Downstream []analyze.DependencyEdge `json:"downstream"`
}

// ServiceDependencies aggregates dependency edges across all resident
// traces that touch the service.
func (e *Engine) ServiceDependencies(ctx context.Context, name string) (ServiceDependencies, error) {
	if !e.store.ServiceKnown(name) {
		return ServiceDependencies{}, notFoundf("service %s not found", name)
	}

	type agg struct {
		count int
		total float64
	}
	up := make(map[string]*agg)
	down := make(map[string]*agg)

	for _, sum := range e.store.Summaries(name, store.SortStart) {
		t, ok := e.store.Trace(sum.TraceID)
		if !ok {
			continue
		}
		deps := analyze.ComputeDependencies(ctx, t.SnapshotGraph())
		for _, edge := range deps.Edges {
			switch {
			case edge.ToService == name:
				a := up[edge.FromService]
				if a == nil {
					a = &agg{}
					up[edge.FromService] = a
				}
				a.count += edge.CallCount
				a.total += edge.MeanDurationMS * float64(edge.CallCount)
			case edge.FromService == name:
				a := down[edge.ToService]
				if a == nil {
					a = &agg{}
					down[edge.ToService] = a
				}
				a.count += edge.CallCount
				a.total += edge.MeanDurationMS * float64(edge.CallCount)
			}
		}
	}

	build := func(m map[string]*agg, upstream bool) []analyze.DependencyEdge {
		out := make([]analyze.DependencyEdge, 0, len(m))
		for other, a := range m {
			edge := analyze.DependencyEdge{
				CallCount:      a.count,
				MeanDurationMS: a.total / float64(a.count),
			}
			if upstream {
				edge.FromService, edge.ToService = other, name
			} else {
				edge.FromService, edge.ToService = name, other
			}
			out = append(out, edge)
		}
		sort.Slice(out, func(i, j int) bool {
			if upstream {
				return out[i].FromService < out[j].FromService
			}
			return out[i].ToService < out[j].ToService
		})
		return out
	}

	return ServiceDependencies{
		Service:    name,
		Upstream:   build(up, true),
		Downstream: build(down, false),
	}, nil
}

// HealthBand is the computed service health classification.
type HealthBand string

const (
	BandHealthy   HealthBand = "healthy"
	BandDegraded  HealthBand = "degraded"
	BandUnhealthy HealthBand = "unhealthy"
)

// ServiceHealth is one row of /services/health.
type ServiceHealth struct {
	Service       string     `json:"service_name"`
	Band          HealthBand `json:"band"`
	TraceCount    int        `json:"trace_count"`
	RaceTraces    int        `json:"race_traces"`
	AnomalyTraces int        `json:"anomaly_traces"`
	ErrorRate     float64    `json:"error_rate"`
}

// ServicesHealth computes health bands over traces whose activity falls
// inside the window: unhealthy when more than a quarter of a service's
// traces race or its error rate exceeds 0.25, degraded when any race,
// anomaly or error appears, healthy otherwise.
func (e *Engine) ServicesHealth(window time.Duration, now time.Time) []ServiceHealth {
	cutoff := now.Add(-window)

	type counts struct {
		traces    int
		races     int
		anomalies int
	}
	perService := make(map[string]*counts)

	for _, sum := range e.store.Summaries("", store.SortStart) {
		if sum.End.Before(cutoff) {
			continue
		}
		for _, svc := range sum.Services {
			c := perService[svc]
			if c == nil {
				c = &counts{}
				perService[svc] = c
			}
			c.traces++
			if sum.HasRaces {
				c.races++
			}
			if sum.HasAnomalies {
				c.anomalies++
			}
		}
	}

	metrics := make(map[string]store.ServiceMetrics)
	for _, m := range e.store.ListServices() {
		metrics[m.Name] = m
	}

	out := make([]ServiceHealth, 0, len(perService))
	for svc, c := range perService {
		h := ServiceHealth{
			Service:       svc,
			TraceCount:    c.traces,
			RaceTraces:    c.races,
			AnomalyTraces: c.anomalies,
			ErrorRate:     metrics[svc].ErrorRate,
		}
		switch {
		case c.traces > 0 && (float64(c.races)/float64(c.traces) > 0.25 || h.ErrorRate > 0.25):
			h.Band = BandUnhealthy
		case c.races > 0 || c.anomalies > 0 || h.ErrorRate > 0:
			h.Band = BandDegraded
		default:
			h.Band = BandHealthy
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// GlobalRaces pages through the cross-trace race index.
func (e *Engine) GlobalRaces(page, perPage int, severity race.Severity) race.Page {
	return e.global.List(page, perPage, severity)
}
