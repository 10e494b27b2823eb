package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/mem"
)

// Memory watchdog thresholds: when available RAM drops below this
// fraction of total, the largest resident trace is force-evicted.
const (
	memCheckInterval     = 2 * time.Second
	memAvailableFraction = 0.05
)

func newCorrelationID() string {
	return uuid.New().String()
}

// watchdogLoop periodically checks available memory and evicts the
// largest trace when the process is close to exhausting RAM. A runaway
// trace is the only unbounded allocation in the engine, so shedding it
// whole restores headroom.
func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(memCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := mem.VirtualMemory()
			if err != nil {
				e.log.Warn("memory stat failed", slog.String("error", err.Error()))
				continue
			}
			if float64(v.Available) >= float64(v.Total)*memAvailableFraction {
				continue
			}

			id, ok := e.store.EvictLargest()
			if !ok {
				continue
			}
			e.log.Warn("memory pressure: force-evicted largest trace",
				slog.String("trace_id", id),
				slog.Uint64("available_bytes", v.Available))
			debug.FreeOSMemory()
		}
	}
}
