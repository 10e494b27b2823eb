package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mode7labs/raceway/spec"
)

// File appends snapshots to a single file as length-prefixed canonical
// JSON event records: a big-endian uint32 byte length followed by the
// event JSON. Replaying the file in order reproduces the ingest order
// within each trace.
type File struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewFile opens (creating if needed) the snapshot file for append.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file: %w", err)
	}
	return &File{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteTrace appends every event of the snapshot and flushes, so a crash
// loses at most the trace being written.
func (s *File) WriteTrace(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snap.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := snap.Events[i].Canonical()
		if err != nil {
			return fmt.Errorf("trace %s: encode event: %w", snap.TraceID, err)
		}
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
		if _, err := s.w.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := s.w.Write(data); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadAll decodes every event record from a snapshot stream, in order.
// Used to replay a snapshot into a fresh engine.
func ReadAll(r io.Reader) ([]spec.Event, error) {
	br := bufio.NewReader(r)
	var out []spec.Event
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(br, prefix[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("record %d: length prefix: %w", len(out), err)
		}
		n := binary.BigEndian.Uint32(prefix[:])
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return out, fmt.Errorf("record %d: body: %w", len(out), err)
		}
		var e spec.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return out, fmt.Errorf("record %d: decode: %w", len(out), err)
		}
		out = append(out, e)
	}
}
