package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mode7labs/raceway/clock"
	"github.com/mode7labs/raceway/spec"
)

func snapEvent(id string, n uint64) spec.Event {
	return spec.Event{
		EventID:     id,
		TraceID:     "t1",
		Kind:        spec.KindCustom,
		Timestamp:   time.Date(2026, 3, 1, 10, 0, int(n), 0, time.UTC),
		ServiceName: "svc",
		InstanceID:  "1",
		ThreadID:    "th",
		VectorClock: clock.Clock{"svc#1": n},
	}
}

func TestFileRoundTrip(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "snapshots.bin")

	f, err := NewFile(path)
	is.NoErr(err)

	snap := Snapshot{
		TraceID: "t1",
		Events:  []spec.Event{snapEvent("a", 1), snapEvent("b", 2)},
	}
	is.NoErr(f.WriteTrace(context.Background(), snap))
	is.NoErr(f.WriteTrace(context.Background(), Snapshot{
		TraceID: "t2",
		Events:  []spec.Event{snapEvent("c", 3)},
	}))
	is.NoErr(f.Close())

	raw, err := os.ReadFile(path)
	is.NoErr(err)
	events, err := ReadAll(bytes.NewReader(raw))
	is.NoErr(err)
	is.Equal(len(events), 3)
	is.Equal(events[0].EventID, "a")
	is.Equal(events[1].EventID, "b")
	is.Equal(events[2].EventID, "c")
	is.Equal(events[0].VectorClock.Get("svc#1"), uint64(1))
}

func TestReadAllTruncated(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "snapshots.bin")
	f, err := NewFile(path)
	is.NoErr(err)
	is.NoErr(f.WriteTrace(context.Background(), Snapshot{
		TraceID: "t1",
		Events:  []spec.Event{snapEvent("a", 1)},
	}))
	is.NoErr(f.Close())

	raw, err := os.ReadFile(path)
	is.NoErr(err)

	// A truncated tail is an error but preserves complete records.
	_, err = ReadAll(bytes.NewReader(raw[:len(raw)-2]))
	if err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestMultiFanOut(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	a, err := NewFile(filepath.Join(dir, "a.bin"))
	is.NoErr(err)
	b, err := NewFile(filepath.Join(dir, "b.bin"))
	is.NoErr(err)

	m := Multi{a, b}
	is.NoErr(m.WriteTrace(context.Background(), Snapshot{
		TraceID: "t1",
		Events:  []spec.Event{snapEvent("a", 1)},
	}))
	is.NoErr(m.Close())

	for _, name := range []string{"a.bin", "b.bin"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		is.NoErr(err)
		events, err := ReadAll(bytes.NewReader(raw))
		is.NoErr(err)
		is.Equal(len(events), 1)
	}
}

func TestDiscard(t *testing.T) {
	is := is.New(t)
	var d Discard
	is.NoErr(d.WriteTrace(context.Background(), Snapshot{TraceID: "x"}))
	is.NoErr(d.Close())
}
