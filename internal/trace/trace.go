package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// RunTrace is the canonical record of what one stage invocation decided for
// each of its units.
//
// It carries logical outcomes only: no timestamps, durations, worker ids or
// error strings. Two runs over the same inputs that reach the same outcomes
// produce byte-identical canonical JSON regardless of scheduling.
type RunTrace struct {
	// Scope is the stage scope, e.g. "skeleton" or "observer/SDO_AIA".
	Scope string
	// InputHash identifies the inputs the stage ran against.
	InputHash string
	Events    []Event
}

// EventKind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventStrandIonized EventKind = "StrandIonized"
	EventStrandEmitted EventKind = "StrandEmitted"
	EventUnitResumed   EventKind = "UnitResumed"
	EventUnitFailed    EventKind = "UnitFailed"
	EventCubeBuilt     EventKind = "CubeBuilt"
	EventCubeBinned    EventKind = "CubeBinned"
	EventFlattened     EventKind = "Flattened"
)

// Event is one per-unit outcome. Unit is a strand ID or an instrument name.
type Event struct {
	Kind EventKind
	Unit string

	// Reason is a stable failure class or resume reason.
	Reason string

	// Digest is the content identity of the unit's output, when it has one.
	Digest string
}

func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Scope == "" {
		return errors.New("scope is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Unit == "" {
			return fmt.Errorf("events[%d].unit is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts events by (unit, kind order, reason, digest).
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Digest < b.Digest
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventUnitResumed:
		return 10
	case EventStrandIonized:
		return 20
	case EventStrandEmitted:
		return 30
	case EventCubeBuilt:
		return 40
	case EventCubeBinned:
		return 50
	case EventFlattened:
		return 60
	case EventUnitFailed:
		return 70
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical encoding of a sorted copy of t.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	c := RunTrace{Scope: t.Scope, InputHash: t.InputHash, Events: append([]Event(nil), t.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Count returns the number of events of kind k.
func (t RunTrace) Count(k EventKind) int {
	n := 0
	for _, e := range t.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// MarshalJSON fixes field order; events are written as given.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.Scope == "" {
		return nil, errors.New("scope is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"scope":`)
	writeString(&buf, t.Scope)
	if t.InputHash != "" {
		buf.WriteString(`,"inputHash":`)
		writeString(&buf, t.InputHash)
	}
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))
	buf.WriteString(`,"unit":`)
	writeString(&buf, e.Unit)
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if e.Digest != "" {
		buf.WriteString(`,"digest":`)
		writeString(&buf, e.Digest)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the canonical encoding back.
func (t *RunTrace) UnmarshalJSON(b []byte) error {
	var raw struct {
		Scope     string  `json:"scope"`
		InputHash string  `json:"inputHash"`
		Events    []Event `json:"events"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Scope, t.InputHash, t.Events = raw.Scope, raw.InputHash, raw.Events
	return nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind   EventKind `json:"kind"`
		Unit   string    `json:"unit"`
		Reason string    `json:"reason"`
		Digest string    `json:"digest"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{Kind: raw.Kind, Unit: raw.Unit, Reason: raw.Reason, Digest: raw.Digest}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
