// Package clock implements the vector clock algebra used to establish
// happens-before across process boundaries. A clock maps a component key
// ("service#instance") to a monotonically increasing counter.
package clock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Relation is the causal relationship between two clocks.
type Relation int

const (
	Concurrent Relation = iota
	Before
	After
	Equal
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// Clock is a vector clock. The zero value (nil) is a valid empty clock;
// mutating operations always return a fresh map.
type Clock map[string]uint64

// Component builds the clock component key for a process identity.
func Component(service, instance string) string {
	return service + "#" + instance
}

// Get returns the counter for a component, zero if absent.
func (c Clock) Get(component string) uint64 {
	return c[component]
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the component-wise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := make(Clock, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Increment returns a copy of c with the given component advanced by one.
func (c Clock) Increment(component string) Clock {
	out := c.Copy()
	out[component]++
	return out
}

// Compare determines the causal relationship between c and other.
// Before means every component of c is <= other with at least one strictly
// smaller; After is symmetric; Equal means identical; anything else is
// Concurrent.
func (c Clock) Compare(other Clock) Relation {
	less, greater := false, false
	for k, v := range c {
		ov := other[k]
		if v < ov {
			less = true
		} else if v > ov {
			greater = true
		}
	}
	for k, ov := range other {
		if _, ok := c[k]; ok {
			continue
		}
		if ov > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Entry is one component of the canonical wire encoding.
type Entry struct {
	Component string
	Value     uint64
}

// Entries returns the clock as a pair list sorted lexicographically by
// component, so that identical clocks have identical serializations.
func (c Clock) Entries() []Entry {
	out := make([]Entry, 0, len(c))
	for k, v := range c {
		out = append(out, Entry{Component: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// FromEntries builds a clock from a pair list. Later duplicates win.
func FromEntries(entries []Entry) Clock {
	out := make(Clock, len(entries))
	for _, e := range entries {
		out[e.Component] = e.Value
	}
	return out
}

// MarshalJSON encodes the clock in canonical form: a sorted array of
// [component, value] pairs.
func (c Clock) MarshalJSON() ([]byte, error) {
	entries := c.Entries()
	pairs := make([][2]any, len(entries))
	for i, e := range entries {
		pairs[i] = [2]any{e.Component, e.Value}
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON accepts either the canonical pair-list form or a plain
// JSON object mapping component to value.
func (c *Clock) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]uint64
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*c = Clock(m)
		return nil
	}

	var pairs [][]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	out := make(Clock, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return fmt.Errorf("clock: entry has %d elements, want 2", len(p))
		}
		var component string
		if err := json.Unmarshal(p[0], &component); err != nil {
			return fmt.Errorf("clock: component: %w", err)
		}
		var value uint64
		if err := json.Unmarshal(p[1], &value); err != nil {
			return fmt.Errorf("clock: value for %q: %w", component, err)
		}
		out[component] = value
	}
	*c = out
	return nil
}

// String renders the clock as "{a#1: 2, b#1: 5}" with sorted components.
func (c Clock) String() string {
	entries := c.Entries()
	if len(entries) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %d", e.Component, e.Value)
	}
	b.WriteByte('}')
	return b.String()
}
