// Package sink delivers snapshots of completed traces to pluggable
// destinations. The engine drains a bounded queue asynchronously; sink
// failures are logged and never block ingest.
package sink

import (
	"context"

	"github.com/mode7labs/raceway/spec"
)

// Snapshot is one completed trace in canonical replay order. Replaying
// the events through a fresh engine reproduces identical derived state.
type Snapshot struct {
	TraceID string
	Events  []spec.Event
}

// Sink writes completed-trace snapshots somewhere durable.
type Sink interface {
	// WriteTrace persists one snapshot. Implementations must be safe for
	// concurrent use; the engine logs a failed snapshot and does not
	// retry it.
	WriteTrace(ctx context.Context, snap Snapshot) error

	// Close flushes and releases resources.
	Close() error
}

// Multi fans a snapshot out to several sinks, returning the first error
// after attempting all of them.
type Multi []Sink

func (m Multi) WriteTrace(ctx context.Context, snap Snapshot) error {
	var first error
	for _, s := range m {
		if err := s.WriteTrace(ctx, snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard is the no-op sink used when snapshotting is not configured.
type Discard struct{}

func (Discard) WriteTrace(context.Context, Snapshot) error { return nil }
func (Discard) Close() error                               { return nil }
