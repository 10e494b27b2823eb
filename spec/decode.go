package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeEvent unmarshals a single event from JSON, detecting duplicate
// metadata keys that encoding/json would silently last-write-win.
func DecodeEvent(data []byte) (Event, error) {
	var raw struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}
	if len(raw.Metadata) > 0 {
		if err := checkDuplicateKeys(raw.Metadata); err != nil {
			return Event{}, fmt.Errorf("metadata: %w", err)
		}
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Batch is the SDK flush payload: one or many events.
type Batch struct {
	Events []Event `json:"events"`
}

// DecodeBatch unmarshals an ingest body. Accepts either a single event
// object or the batch form {"events": [...]}, matching what SDK flushes
// actually send.
func DecodeBatch(data []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	// Distinguish batch from single event by the presence of "events".
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}
	if rawEvents, ok := probe["events"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawEvents, &items); err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		events := make([]Event, 0, len(items))
		for i, item := range items {
			e, err := DecodeEvent(item)
			if err != nil {
				return nil, fmt.Errorf("events[%d]: %w", i, err)
			}
			events = append(events, e)
		}
		return events, nil
	}

	e, err := DecodeEvent(trimmed)
	if err != nil {
		return nil, err
	}
	return []Event{e}, nil
}

// checkDuplicateKeys walks a JSON object token stream and errors on a
// repeated key at the top level.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil // not an object — let standard unmarshal complain
	}

	seen := make(map[string]bool)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", keyTok)
		}
		if seen[key] {
			return fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return err
		}
	}
	return nil
}
