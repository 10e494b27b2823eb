// Package server exposes the engine over HTTP: the ingest endpoint the
// SDKs flush batches to, and the query surface the UI and CLI read.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mode7labs/raceway/engine"
	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/engine/store"
	"github.com/mode7labs/raceway/spec"
)

// Server is the raceway HTTP API server.
type Server struct {
	mux    *http.ServeMux
	engine *engine.Engine
	log    *slog.Logger
}

// New creates a Server and registers all routes.
func New(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		mux:    http.NewServeMux(),
		engine: eng,
		log:    logger,
	}

	s.mux.HandleFunc("POST /events", s.handleIngest)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /traces", s.handleTraces)
	s.mux.HandleFunc("GET /traces/{id}", s.handleTrace)
	s.mux.HandleFunc("GET /traces/{id}/critical-path", s.handleCriticalPath)
	s.mux.HandleFunc("GET /traces/{id}/anomalies", s.handleAnomalies)
	s.mux.HandleFunc("GET /traces/{id}/dependencies", s.handleDependencies)
	s.mux.HandleFunc("GET /traces/{id}/audit-trail/{variable}", s.handleAuditTrail)
	s.mux.HandleFunc("GET /services", s.handleServices)
	s.mux.HandleFunc("GET /services/health", s.handleServicesHealth)
	s.mux.HandleFunc("GET /services/{name}/traces", s.handleServiceTraces)
	s.mux.HandleFunc("GET /services/{name}/dependencies", s.handleServiceDependencies)
	s.mux.HandleFunc("GET /distributed/global-races", s.handleGlobalRaces)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// queryContext applies the caller-supplied deadline, if any, via the
// timeout_ms query parameter.
func queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return context.WithTimeout(r.Context(), time.Duration(ms)*time.Millisecond)
		}
	}
	return r.Context(), func() {}
}

func pageParams(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	perPage, _ = strconv.Atoi(q.Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 200 {
		perPage = 200
	}
	return page, perPage
}

// handleIngest handles POST /events: one event or a batch. Propagation
// headers fill clock and span fields the SDK left empty.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), engine.KindInvalidEvent)
		return
	}

	events, err := spec.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode: "+err.Error(), engine.KindInvalidEvent)
		return
	}

	tc, hasContext := spec.ParseHeaders(r.Header)
	for i := range events {
		if hasContext {
			applyTraceContext(&events[i], tc)
		}
		if events[i].EventID == "" {
			events[i].EventID = uuid.New().String()
		}
	}

	var probe struct {
		Events json.RawMessage `json:"events"`
	}
	_ = json.Unmarshal(body, &probe)

	if len(events) == 1 && probe.Events == nil {
		res, err := s.engine.Ingest(events[0])
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	results := s.engine.IngestBatch(events)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// applyTraceContext fills fields the SDK forwarded via headers instead
// of the event body.
func applyTraceContext(e *spec.Event, tc spec.TraceContext) {
	if e.TraceID == "" && tc.TraceID != "" {
		e.TraceID = tc.TraceID
	}
	if e.ParentSpanID == "" && tc.ParentSpanID != "" {
		e.ParentSpanID = tc.ParentSpanID
	}
	if len(e.VectorClock) == 0 && len(tc.Clock) > 0 {
		// Adopt the propagated clock, advanced by the event's own step.
		e.VectorClock = tc.Clock.Increment(e.Component())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	q := r.URL.Query()
	sortKey := store.SortKey(q.Get("sort"))
	writeJSON(w, http.StatusOK, s.engine.TraceSummaries(page, perPage, q.Get("service"), sortKey))
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := queryContext(r)
	defer cancel()
	detail, err := s.engine.TraceDetail(ctx, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := queryContext(r)
	defer cancel()
	cp, err := s.engine.CriticalPath(ctx, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Anomalies(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := queryContext(r)
	defer cancel()
	deps, err := s.engine.Dependencies(ctx, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.engine.AuditTrail(r.PathValue("id"), r.PathValue("variable"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id": r.PathValue("id"),
		"variable": r.PathValue("variable"),
		"accesses": trail,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.engine.Services()})
}

func (s *Server) handleServiceTraces(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	sortKey := store.SortKey(r.URL.Query().Get("sort"))
	result, err := s.engine.ServiceTraces(r.PathValue("name"), page, perPage, sortKey)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleServiceDependencies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := queryContext(r)
	defer cancel()
	deps, err := s.engine.ServiceDependencies(ctx, r.PathValue("name"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	window := 15 * time.Minute
	if v := r.URL.Query().Get("time_window_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "time_window_minutes: invalid value "+v, engine.KindInvalidEvent)
			return
		}
		window = time.Duration(n) * time.Minute
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_minutes": int(window / time.Minute),
		"services":       s.engine.ServicesHealth(window, time.Now()),
	})
}

func (s *Server) handleGlobalRaces(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	severity := race.Severity(r.URL.Query().Get("severity"))
	switch severity {
	case "", race.Critical, race.Warning, race.Low:
	default:
		writeError(w, http.StatusBadRequest, "severity: unknown value "+string(severity), engine.KindInvalidEvent)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GlobalRaces(page, perPage, severity))
}

// writeEngineError maps the engine error taxonomy to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	engErr, ok := engine.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error", engine.KindInternal)
		return
	}

	switch engErr.Kind {
	case engine.KindInvalidEvent:
		writeError(w, http.StatusBadRequest, engErr.Msg, engErr.Kind)
	case engine.KindConflict:
		writeError(w, http.StatusConflict, engErr.Msg, engErr.Kind)
	case engine.KindNotFound:
		writeError(w, http.StatusNotFound, engErr.Msg, engErr.Kind)
	case engine.KindCapacityExceeded:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error":       engErr.Msg,
			"code":        engErr.Kind,
			"retry_after": engErr.RetryAfterSeconds,
		})
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error":          engErr.Msg,
			"code":           engErr.Kind,
			"correlation_id": engErr.Correlation,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code engine.ErrKind) {
	writeJSON(w, status, map[string]any{"error": msg, "code": code})
}
