// Package engine is the in-memory ingest-and-analysis core: it owns the
// event store, the baseline store, the global race index, and the sink
// queue, and exposes every query the HTTP surface serves. Engines are
// explicitly constructed values; independent engines share no state.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mode7labs/raceway/engine/analyze"
	"github.com/mode7labs/raceway/engine/race"
	"github.com/mode7labs/raceway/engine/sink"
	"github.com/mode7labs/raceway/engine/store"
	"github.com/mode7labs/raceway/spec"
)

// Version is reported by /status.
const Version = "1.4.0"

// Phase is the engine warm-up phase. Transitions are monotonic:
// Starting → Warmup → Complete.
type Phase string

const (
	PhaseStarting Phase = "Starting"
	PhaseWarmup   Phase = "Warmup"
	PhaseComplete Phase = "Complete"
)

// Engine is the ingest coordinator.
type Engine struct {
	cfg Config
	log *slog.Logger

	store     *store.Store
	global    *race.GlobalIndex
	baselines *analyze.Baselines
	snk       sink.Sink

	phase   atomic.Value // Phase
	started time.Time

	queue  chan sink.Snapshot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an engine. logger and snk may be nil; a nil sink
// discards snapshots.
func New(cfg Config, logger *slog.Logger, snk sink.Sink) *Engine {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if snk == nil {
		snk = sink.Discard{}
	}

	e := &Engine{
		cfg:       cfg,
		log:       logger,
		global:    race.NewGlobalIndex(),
		baselines: analyze.NewBaselines(cfg.AnomalyKSigma, cfg.BaselineMinSamples),
		snk:       snk,
		queue:     make(chan sink.Snapshot, cfg.SnapshotQueueSize),
		started:   time.Now(),
	}
	e.store = store.New(cfg.TraceCapacity, logger.With(slog.String("component", "store")), e.onEvict)
	e.phase.Store(PhaseStarting)
	return e
}

// Start launches the background loops: the lifecycle sweeper, the sink
// drain, and the memory watchdog. The engine enters Warmup.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.phase.CompareAndSwap(PhaseStarting, PhaseWarmup)
	e.maybeComplete()

	e.wg.Add(3)
	go e.sweepLoop(ctx)
	go e.drainLoop(ctx)
	go e.watchdogLoop(ctx)
}

// Close stops the background loops, drains the queued snapshots, and
// closes the sink. Baseline and global race index state is not written
// to the sink.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	// Drain whatever completions were queued but not yet written.
	for {
		select {
		case snap := <-e.queue:
			if err := e.snk.WriteTrace(context.Background(), snap); err != nil {
				e.log.Warn("snapshot write failed during shutdown",
					slog.String("trace_id", snap.TraceID), slog.String("error", err.Error()))
			}
		default:
			if err := e.snk.Close(); err != nil {
				e.log.Warn("sink close failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// Phase returns the engine warm-up phase.
func (e *Engine) Phase() Phase {
	return e.phase.Load().(Phase)
}

func (e *Engine) maybeComplete() {
	if e.Phase() == PhaseComplete {
		return
	}
	if e.baselines.WarmCount() >= e.cfg.WarmupTargetSignatures {
		if e.phase.CompareAndSwap(PhaseWarmup, PhaseComplete) {
			e.log.Info("warmup complete",
				slog.Int("signatures", e.baselines.WarmCount()))
		}
	}
}

// IngestResult reports the outcome for one event.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ingest validates and appends one event, then runs the incremental
// analyses: per-trace race detection happens inside the store append,
// cross-trace recording and baseline classification run after commit.
// Ingest either completes fully or fails with no state change.
func (e *Engine) Ingest(ev spec.Event) (IngestResult, error) {
	if errs := ValidateEvent(&ev); len(errs) > 0 {
		return IngestResult{EventID: ev.EventID},
			invalidf("invalid event: %s", strings.Join(errs, "; "))
	}

	canonical, err := ev.Canonical()
	if err != nil {
		return IngestResult{EventID: ev.EventID}, e.internal("encode event", err)
	}

	now := time.Now()
	res, err := e.store.Append(&ev, canonical, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return IngestResult{EventID: ev.EventID},
				conflictf("event %s already ingested with different content", ev.EventID)
		}
		return IngestResult{EventID: ev.EventID}, e.internal("append", err)
	}

	if res.Status == store.Duplicate {
		return IngestResult{EventID: ev.EventID, Success: true, Duplicate: true}, nil
	}

	// After-commit hooks. Duplicates never reach this point, so neither
	// baselines nor the global index double-count.
	if res.Access != nil {
		if global := e.global.Record(ev.Variable(), *res.Access, now); len(global) > 0 {
			e.log.Info("global race detected",
				slog.String("variable", ev.Variable()),
				slog.Int("count", len(global)))
		}
	}

	if ev.DurationMS != nil {
		sig := analyze.Signature{
			Service:  ev.ServiceName,
			Kind:     string(ev.Kind),
			Location: ev.Location,
		}
		anomaly := e.baselines.Classify(sig, *ev.DurationMS, now)
		e.maybeComplete()
		if anomaly != nil && e.Phase() == PhaseComplete {
			anomaly.EventID = ev.EventID
			anomaly.TraceID = ev.TraceID
			if t, ok := e.store.Trace(ev.TraceID); ok {
				t.RecordAnomaly(*anomaly)
			}
		}
	}

	for _, r := range res.NewRaces {
		e.log.Warn("race detected",
			slog.String("trace_id", ev.TraceID),
			slog.String("variable", r.Variable),
			slog.String("type", string(r.Type)))
	}

	return IngestResult{EventID: ev.EventID, Success: true}, nil
}

// IngestBatch ingests a batch, one result per event. A failing event
// never aborts the rest of the batch.
func (e *Engine) IngestBatch(events []spec.Event) []IngestResult {
	out := make([]IngestResult, 0, len(events))
	for _, ev := range events {
		res, err := e.Ingest(ev)
		if err != nil {
			res.Error = err.Error()
			res.Success = false
		}
		out = append(out, res)
	}
	return out
}

func (e *Engine) internal(op string, err error) *Error {
	correlation := newCorrelationID()
	e.log.Error("internal error",
		slog.String("op", op),
		slog.String("correlation_id", correlation),
		slog.String("error", err.Error()))
	return &Error{Kind: KindInternal, Msg: "internal error", Correlation: correlation}
}

// onEvict is invoked by the store for every evicted trace.
func (e *Engine) onEvict(traceID string) {
	e.global.ForgetTrace(traceID)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.Quiescence / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			completed := e.store.SweepLifecycle(now, e.cfg.Quiescence, e.cfg.Quiescence/2)
			for _, ct := range completed {
				snap := sink.Snapshot{TraceID: ct.TraceID, Events: ct.Events}
				select {
				case e.queue <- snap:
				default:
					e.log.Warn("snapshot queue full, dropping trace",
						slog.String("trace_id", ct.TraceID))
				}
			}
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.queue:
			if err := e.snk.WriteTrace(ctx, snap); err != nil {
				e.log.Warn("snapshot write failed",
					slog.String("trace_id", snap.TraceID),
					slog.String("error", err.Error()))
			}
		}
	}
}
