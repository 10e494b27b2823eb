package spec

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mode7labs/raceway/clock"
)

// Propagation header names. traceparent and tracestate follow W3C Trace
// Context; raceway-clock carries the sender's vector clock.
const (
	TraceparentHeader  = "traceparent"
	TracestateHeader   = "tracestate"
	RacewayClockHeader = "raceway-clock"

	traceparentVersion = "00"
	clockVersionPrefix = "v1;"
)

// TraceContext is the result of parsing inbound propagation headers.
type TraceContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	TraceState   string
	Clock        clock.Clock
	Distributed  bool
}

// ParseHeaders extracts trace identity and the sender's vector clock from
// inbound propagation headers. Returns ok=false when no recognized header
// is present.
func ParseHeaders(h http.Header) (TraceContext, bool) {
	var tc TraceContext

	if raw := h.Get(TraceparentHeader); raw != "" {
		if traceID, spanID, ok := ParseTraceparent(raw); ok {
			tc.TraceID = traceID
			tc.ParentSpanID = spanID
			tc.Distributed = true
		}
	}

	if raw := h.Get(RacewayClockHeader); raw != "" {
		if pc, ok := ParseRacewayClock(raw); ok {
			if pc.TraceID != "" {
				tc.TraceID = pc.TraceID
			}
			if pc.SpanID != "" {
				// The sender's span becomes the receiver's parent.
				tc.ParentSpanID = pc.SpanID
			}
			tc.Clock = pc.Clock
			tc.Distributed = true
		}
	}

	if raw := h.Get(TracestateHeader); raw != "" {
		tc.TraceState = raw
	}

	return tc, tc.Distributed
}

// ParseTraceparent parses a W3C traceparent value
// ("00-<32 hex trace>-<16 hex span>-<flags>") into the engine's UUID-form
// trace id and the sender's span id.
func ParseTraceparent(value string) (traceID, spanID string, ok bool) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 4 {
		return "", "", false
	}
	traceHex, spanHex := parts[1], parts[2]
	if len(traceHex) != 32 || len(spanHex) != 16 {
		return "", "", false
	}
	if _, err := hex.DecodeString(traceHex); err != nil {
		return "", "", false
	}
	if _, err := hex.DecodeString(spanHex); err != nil {
		return "", "", false
	}
	return TraceparentToUUID(traceHex), spanHex, true
}

// FormatTraceparent renders a traceparent value from the UUID-form trace
// id and a span id.
func FormatTraceparent(traceID, spanID string) string {
	return strings.Join([]string{
		traceparentVersion,
		UUIDToTraceparent(traceID),
		spanID,
		"01",
	}, "-")
}

// RacewayClock is the decoded raceway-clock header payload.
type RacewayClock struct {
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Service      string          `json:"service,omitempty"`
	Instance     string          `json:"instance,omitempty"`
	Clock        clock.Clock     `json:"clock"`
}

// ParseRacewayClock decodes a raceway-clock header value. Two formats are
// accepted: the SDK's "v1;" prefix followed by a base64url JSON payload,
// and the plain comma-separated "component=value" pair form.
func ParseRacewayClock(value string) (RacewayClock, bool) {
	value = strings.TrimSpace(value)

	if strings.HasPrefix(value, clockVersionPrefix) {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, clockVersionPrefix))
		if err != nil {
			return RacewayClock{}, false
		}
		var payload RacewayClock
		if err := json.Unmarshal(decoded, &payload); err != nil {
			return RacewayClock{}, false
		}
		return payload, true
	}

	// Plain pair form: "svc#1=3,other#2=1".
	c := clock.Clock{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		component, raw, found := strings.Cut(pair, "=")
		if !found || component == "" {
			return RacewayClock{}, false
		}
		n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return RacewayClock{}, false
		}
		c[strings.TrimSpace(component)] = n
	}
	if len(c) == 0 {
		return RacewayClock{}, false
	}
	return RacewayClock{Clock: c}, true
}

// FormatRacewayClock encodes the header in the SDK's v1 format.
func FormatRacewayClock(payload RacewayClock) string {
	data, _ := json.Marshal(payload)
	return clockVersionPrefix + base64.RawURLEncoding.EncodeToString(data)
}

// UUIDToTraceparent converts a UUID-form trace id to the 32-hex
// traceparent form, zero-padding short inputs.
func UUIDToTraceparent(id string) string {
	cleaned := strings.ReplaceAll(id, "-", "")
	if len(cleaned) < 32 {
		cleaned += strings.Repeat("0", 32-len(cleaned))
	}
	return cleaned[:32]
}

// TraceparentToUUID converts a 32-hex trace id to UUID form.
func TraceparentToUUID(hex32 string) string {
	return strings.Join([]string{
		hex32[0:8], hex32[8:12], hex32[12:16], hex32[16:20], hex32[20:32],
	}, "-")
}
