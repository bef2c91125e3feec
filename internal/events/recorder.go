package events

import "sync"

// Recorder keeps every event it receives, in delivery order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record is a Handler.
func (r *Recorder) Record(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered to one
// request id.
func (r *Recorder) Events(requestID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, evt := range r.events {
		if requestID == "" || evt.RequestID == requestID {
			out = append(out, evt)
		}
	}
	return out
}

// Kinds returns the kinds recorded for requestID, in order.
func (r *Recorder) Kinds(requestID string) []Kind {
	evts := r.Events(requestID)
	kinds := make([]Kind, len(evts))
	for i, evt := range evts {
		kinds[i] = evt.Kind
	}
	return kinds
}

// Count returns how many events of kind were recorded for requestID.
func (r *Recorder) Count(requestID string, kind Kind) int {
	n := 0
	for _, k := range r.Kinds(requestID) {
		if k == kind {
			n++
		}
	}
	return n
}
