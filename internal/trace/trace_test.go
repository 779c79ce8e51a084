package trace

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := RunTrace{
		Scope:     "skeleton",
		InputHash: "abc",
		Events: []Event{
			{Kind: EventStrandIonized, Unit: "s1", Digest: "d1"},
			{Kind: EventUnitResumed, Unit: "s0", Reason: "DigestMatch"},
			{Kind: EventUnitFailed, Unit: "s2", Reason: "numerical"},
		},
	}
	trace2 := RunTrace{
		Scope:     "skeleton",
		InputHash: "abc",
		Events: []Event{
			{Kind: EventUnitFailed, Unit: "s2", Reason: "numerical"},
			{Kind: EventUnitResumed, Unit: "s0", Reason: "DigestMatch"},
			{Kind: EventStrandIonized, Unit: "s1", Digest: "d1"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_SortsByUnitThenKind(t *testing.T) {
	tr := RunTrace{
		Scope: "skeleton",
		Events: []Event{
			{Kind: EventStrandEmitted, Unit: "b"},
			{Kind: EventStrandEmitted, Unit: "a"},
			{Kind: EventStrandIonized, Unit: "a"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"scope":"skeleton","events":[{"kind":"StrandIonized","unit":"a"},{"kind":"StrandEmitted","unit":"a"},{"kind":"StrandEmitted","unit":"b"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestHash_IgnoresInsertionOrder(t *testing.T) {
	tr1 := RunTrace{Scope: "observer/aia", Events: []Event{
		{Kind: EventCubeBuilt, Unit: "aia", Digest: "x"},
		{Kind: EventCubeBinned, Unit: "aia", Digest: "y"},
	}}
	tr2 := RunTrace{Scope: "observer/aia", Events: []Event{
		{Kind: EventCubeBinned, Unit: "aia", Digest: "y"},
		{Kind: EventCubeBuilt, Unit: "aia", Digest: "x"},
	}}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash, got %q != %q", h1, h2)
	}
}

func TestValidate_RequiresUnit(t *testing.T) {
	tr := RunTrace{Scope: "skeleton", Events: []Event{{Kind: EventStrandIonized}}}
	if _, err := tr.CanonicalJSON(); err == nil {
		t.Fatalf("expected error for event without unit")
	}
}

func TestRecorder_ConcurrentRecordIsCanonical(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for _, id := range []string{"s3", "s1", "s2", "s0"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			SafeRecord(r, Event{Kind: EventStrandIonized, Unit: id})
		}(id)
	}
	wg.Wait()

	tr := r.Trace("skeleton", "h")
	if len(tr.Events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(tr.Events))
	}
	for i, want := range []string{"s0", "s1", "s2", "s3"} {
		if tr.Events[i].Unit != want {
			t.Fatalf("events[%d].unit=%q, want %q", i, tr.Events[i].Unit, want)
		}
	}
	if tr.Count(EventStrandIonized) != 4 {
		t.Fatalf("expected 4 ionized events")
	}
}

func TestRunTrace_JSONRoundTrip(t *testing.T) {
	tr := RunTrace{Scope: "skeleton", InputHash: "h", Events: []Event{
		{Kind: EventUnitFailed, Unit: "s0", Reason: "data"},
	}}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	var back RunTrace
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Scope != tr.Scope || back.InputHash != tr.InputHash || len(back.Events) != 1 || back.Events[0] != tr.Events[0] {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventCubeBuilt, Unit: "aia"})
	SafeRecord(nil, Event{Kind: EventCubeBuilt, Unit: "aia"})
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }
