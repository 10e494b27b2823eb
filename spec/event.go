// Package spec defines the canonical wire contract between instrumented
// SDKs and the engine: the Event JSON model with its tagged per-kind
// metadata, decoding with strict duplicate-key detection, and the trace
// propagation header formats.
package spec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mode7labs/raceway/clock"
)

// Kind identifies the variant of an event.
type Kind string

const (
	KindStateChange  Kind = "StateChange"
	KindFunctionCall Kind = "FunctionCall"
	KindHTTPRequest  Kind = "HttpRequest"
	KindHTTPResponse Kind = "HttpResponse"
	KindLockAcquire  Kind = "LockAcquire"
	KindLockRelease  Kind = "LockRelease"
	KindError        Kind = "Error"
	KindCustom       Kind = "Custom"
)

// Kinds lists every known event kind.
var Kinds = []Kind{
	KindStateChange, KindFunctionCall, KindHTTPRequest, KindHTTPResponse,
	KindLockAcquire, KindLockRelease, KindError, KindCustom,
}

// Known reports whether k is a recognized kind.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// AccessType distinguishes reads from writes on a shared variable.
type AccessType string

const (
	AccessRead  AccessType = "Read"
	AccessWrite AccessType = "Write"
)

// StateChange is the metadata payload for variable accesses.
type StateChange struct {
	Variable   string          `json:"variable"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	AccessType AccessType      `json:"access_type"`
}

// FunctionCall is the metadata payload for function entries.
type FunctionCall struct {
	FunctionName string          `json:"function_name"`
	Module       string          `json:"module,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// HTTPRequest is the metadata payload for inbound or outbound requests.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// HTTPResponse is the metadata payload for responses.
type HTTPResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// LockInfo is the metadata payload for lock acquire and release events.
type LockInfo struct {
	LockName string `json:"lock_name"`
	LockType string `json:"lock_type,omitempty"`
}

// ErrorInfo is the metadata payload for error events.
type ErrorInfo struct {
	ErrorType  string   `json:"error_type,omitempty"`
	Message    string   `json:"message"`
	StackTrace []string `json:"stack_trace,omitempty"`
}

// Metadata carries the kind-specific payload of an event. At most one of
// the typed fields is set, matching Event.Kind (Custom events set none). Fields the engine does
// not know about are preserved in Extra so SDK evolution survives a
// decode/encode round trip.
type Metadata struct {
	StateChange *StateChange
	Function    *FunctionCall
	Request     *HTTPRequest
	Response    *HTTPResponse
	Lock        *LockInfo
	Error       *ErrorInfo
	Extra       map[string]json.RawMessage
}

// Event is the primary record ingested by the engine.
type Event struct {
	EventID      string
	TraceID      string
	Kind         Kind
	Timestamp    time.Time
	DurationMS   *float64
	Location     string
	ServiceName  string
	InstanceID   string
	ThreadID     string
	SpanID       string
	ParentSpanID string
	VectorClock  clock.Clock
	LockSet      []string
	Metadata     Metadata
}

// Component returns the event's own clock component key.
func (e *Event) Component() string {
	return clock.Component(e.ServiceName, e.InstanceID)
}

// Duration returns the event duration in milliseconds, zero if unset.
func (e *Event) Duration() float64 {
	if e.DurationMS == nil {
		return 0
	}
	return *e.DurationMS
}

// End returns the event's end instant: timestamp plus duration.
func (e *Event) End() time.Time {
	return e.Timestamp.Add(time.Duration(e.Duration() * float64(time.Millisecond)))
}

// Variable returns the accessed variable name for StateChange events,
// empty otherwise.
func (e *Event) Variable() string {
	if e.Metadata.StateChange == nil {
		return ""
	}
	return e.Metadata.StateChange.Variable
}

// IsWrite reports whether the event is a StateChange write.
func (e *Event) IsWrite() bool {
	return e.Metadata.StateChange != nil && e.Metadata.StateChange.AccessType == AccessWrite
}

// metadataFieldNames maps each kind to the JSON field names of its typed
// payload, used to split known fields from the Extra passthrough.
func metadataFieldNames(k Kind) []string {
	switch k {
	case KindStateChange:
		return []string{"variable", "old_value", "new_value", "access_type"}
	case KindFunctionCall:
		return []string{"function_name", "module", "args"}
	case KindHTTPRequest:
		return []string{"method", "url", "headers"}
	case KindHTTPResponse:
		return []string{"status", "headers"}
	case KindLockAcquire, KindLockRelease:
		return []string{"lock_name", "lock_type"}
	case KindError:
		return []string{"error_type", "message", "stack_trace"}
	default:
		return nil
	}
}

// eventShell mirrors Event with raw metadata, shared by both marshal
// directions so the wire field list exists in exactly one place.
type eventShell struct {
	EventID      string          `json:"event_id"`
	TraceID      string          `json:"trace_id"`
	Kind         Kind            `json:"kind"`
	Timestamp    time.Time       `json:"timestamp"`
	DurationMS   *float64        `json:"duration_ms,omitempty"`
	Location     string          `json:"location,omitempty"`
	ServiceName  string          `json:"service_name"`
	InstanceID   string          `json:"instance_id"`
	ThreadID     string          `json:"thread_id"`
	SpanID       string          `json:"span_id,omitempty"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	VectorClock  clock.Clock     `json:"vector_clock"`
	LockSet      []string        `json:"lock_set,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes an event, routing the metadata object into the
// typed payload for the declared kind and collecting unknown fields into
// Metadata.Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var shell eventShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}

	*e = Event{
		EventID:      shell.EventID,
		TraceID:      shell.TraceID,
		Kind:         shell.Kind,
		Timestamp:    shell.Timestamp,
		DurationMS:   shell.DurationMS,
		Location:     shell.Location,
		ServiceName:  shell.ServiceName,
		InstanceID:   shell.InstanceID,
		ThreadID:     shell.ThreadID,
		SpanID:       shell.SpanID,
		ParentSpanID: shell.ParentSpanID,
		VectorClock:  shell.VectorClock,
		LockSet:      shell.LockSet,
	}

	if len(shell.Metadata) == 0 {
		return nil
	}

	md, err := decodeMetadata(shell.Kind, shell.Metadata)
	if err != nil {
		return err
	}
	e.Metadata = md
	return nil
}

func decodeMetadata(kind Kind, raw json.RawMessage) (Metadata, error) {
	var md Metadata

	var payload any
	switch kind {
	case KindStateChange:
		md.StateChange = &StateChange{}
		payload = md.StateChange
	case KindFunctionCall:
		md.Function = &FunctionCall{}
		payload = md.Function
	case KindHTTPRequest:
		md.Request = &HTTPRequest{}
		payload = md.Request
	case KindHTTPResponse:
		md.Response = &HTTPResponse{}
		payload = md.Response
	case KindLockAcquire, KindLockRelease:
		md.Lock = &LockInfo{}
		payload = md.Lock
	case KindError:
		md.Error = &ErrorInfo{}
		payload = md.Error
	}

	if payload != nil {
		if err := json.Unmarshal(raw, payload); err != nil {
			return Metadata{}, fmt.Errorf("metadata for %s: %w", kind, err)
		}
	}

	// Everything not consumed by the typed payload is preserved verbatim.
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return Metadata{}, fmt.Errorf("metadata: %w", err)
	}
	for _, name := range metadataFieldNames(kind) {
		delete(all, name)
	}
	if len(all) > 0 {
		md.Extra = all
	}
	return md, nil
}

// MarshalJSON encodes an event in canonical form: typed metadata fields
// merged with any preserved extras, keys sorted, and the vector clock in
// its sorted pair encoding.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventShell{
		EventID:      e.EventID,
		TraceID:      e.TraceID,
		Kind:         e.Kind,
		Timestamp:    e.Timestamp.UTC(),
		DurationMS:   e.DurationMS,
		Location:     e.Location,
		ServiceName:  e.ServiceName,
		InstanceID:   e.InstanceID,
		ThreadID:     e.ThreadID,
		SpanID:       e.SpanID,
		ParentSpanID: e.ParentSpanID,
		VectorClock:  e.VectorClock,
		LockSet:      e.LockSet,
		Metadata:     raw,
	})
}

func encodeMetadata(md Metadata) (json.RawMessage, error) {
	var payload any
	switch {
	case md.StateChange != nil:
		payload = md.StateChange
	case md.Function != nil:
		payload = md.Function
	case md.Request != nil:
		payload = md.Request
	case md.Response != nil:
		payload = md.Response
	case md.Lock != nil:
		payload = md.Lock
	case md.Error != nil:
		payload = md.Error
	}

	if payload == nil && len(md.Extra) == 0 {
		return nil, nil
	}

	merged := make(map[string]json.RawMessage, 8)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range md.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Canonical returns the event's canonical JSON encoding. Two submissions
// of the same event id are in conflict iff their canonical bytes differ.
func (e *Event) Canonical() ([]byte, error) {
	return json.Marshal(e)
}
