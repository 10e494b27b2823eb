package engine

import (
	"fmt"

	"github.com/mode7labs/raceway/spec"
)

// ValidateEvent checks the ingest invariants and returns every violation
// found, so producers can fix a whole batch in one pass.
func ValidateEvent(e *spec.Event) []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if e.EventID == "" {
		add("event_id is required")
	}
	if e.TraceID == "" {
		add("trace_id is required")
	}
	if e.Kind == "" {
		add("kind is required")
	} else if !e.Kind.Known() {
		add("kind %q is not recognized", e.Kind)
	}
	if e.Timestamp.IsZero() {
		add("timestamp is required")
	}
	if e.ServiceName == "" {
		add("service_name is required")
	}
	if e.InstanceID == "" {
		add("instance_id is required")
	}
	if e.ThreadID == "" {
		add("thread_id is required")
	}
	if e.DurationMS != nil && *e.DurationMS < 0 {
		add("duration_ms must be non-negative, got %v", *e.DurationMS)
	}

	if len(e.VectorClock) == 0 {
		add("vector_clock must be non-empty")
	} else if e.ServiceName != "" && e.InstanceID != "" {
		if e.VectorClock.Get(e.Component()) == 0 {
			add("vector_clock is missing the event's own component %q", e.Component())
		}
	}

	switch e.Kind {
	case spec.KindStateChange:
		sc := e.Metadata.StateChange
		if sc == nil {
			add("StateChange events require metadata")
		} else {
			if sc.Variable == "" {
				add("StateChange metadata requires variable")
			}
			if sc.AccessType != spec.AccessRead && sc.AccessType != spec.AccessWrite {
				add("access_type must be Read or Write, got %q", sc.AccessType)
			}
		}
	case spec.KindLockAcquire, spec.KindLockRelease:
		if e.Metadata.Lock == nil || e.Metadata.Lock.LockName == "" {
			add("%s events require metadata with lock_name", e.Kind)
		}
	case spec.KindError:
		if e.Metadata.Error == nil || e.Metadata.Error.Message == "" {
			add("Error events require metadata with message")
		}
	}

	return errs
}
