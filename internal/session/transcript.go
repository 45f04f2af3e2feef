package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transcript keeps the most recent output events of a run in a fixed
// ring. Older events are overwritten once the ring is full.
type Transcript struct {
	mu      sync.RWMutex
	events  []OutputEvent
	start   int // index of the oldest event
	count   int
	dropped int
}

// NewTranscript creates a transcript holding at most size events.
func NewTranscript(size int) *Transcript {
	if size <= 0 {
		size = 1
	}
	return &Transcript{events: make([]OutputEvent, size)}
}

// Append records ev, evicting the oldest event when full.
func (t *Transcript) Append(ev OutputEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.events)
	if t.count < size {
		t.events[(t.start+t.count)%size] = ev
		t.count++
		return
	}
	t.events[t.start] = ev
	t.start = (t.start + 1) % size
	t.dropped++
}

// Len returns the number of events held.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Dropped returns how many events were evicted since the last Reset.
func (t *Transcript) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// Reset forgets every event.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.events)
	t.start, t.count, t.dropped = 0, 0, 0
}

// Events returns a copy of the held events, oldest first.
func (t *Transcript) Events() []OutputEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]OutputEvent, t.count)
	size := len(t.events)
	for i := range out {
		out[i] = t.events[(t.start+i)%size]
	}
	return out
}

// WriteJSONL writes the held events to w, one JSON object per line.
func (t *Transcript) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, ev := range t.Events() {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode transcript event: %w", err)
		}
	}
	return nil
}
