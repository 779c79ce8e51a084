package trace

import "sync"

// Sink receives per-unit events from stage workers.
//
// Record must not panic or block; callers assume it may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event, swallowing any panic from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Ordering is fixed
// after collection by Canonicalize, so contention on mu does not affect it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Trace builds a canonical RunTrace from the recorded events.
func (r *Recorder) Trace(scope, inputHash string) RunTrace {
	tr := RunTrace{Scope: scope, InputHash: inputHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
