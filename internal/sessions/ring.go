package sessions

import (
	"sync"

	"github.com/duh17/pideck/pkg/protocol"
)

// DefaultRingCapacity is how many durable events a session retains for
// replay.
const DefaultRingCapacity = 1024

// CatchUp is the result of a replay request.
type CatchUp struct {
	Events          []*protocol.Event `json:"events"`
	CurrentSeq      int64             `json:"currentSeq"`
	CatchUpComplete bool              `json:"catchUpComplete"`
}

// EventRing is the per-session replay buffer. Durable events get the
// next sequence number and are retained up to capacity; non-durable
// events pass through unnumbered. Single writer, many readers.
type EventRing struct {
	mu       sync.Mutex
	capacity int
	seq      int64
	events   []*protocol.Event
}

// NewEventRing creates a ring; capacity <= 0 uses the default.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &EventRing{capacity: capacity}
}

// Append numbers and retains a durable event; non-durable events are
// returned untouched.
func (r *EventRing) Append(e *protocol.Event) {
	if !e.Durable() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	r.events = append(r.events, e)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

// CurrentSeq returns the last assigned sequence number (0 when no
// durable event has occurred).
func (r *EventRing) CurrentSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Replay returns all retained events with seq > sinceSeq.
// CatchUpComplete is false when the window no longer reaches back to
// sinceSeq; callers then also need a fresh state event.
func (r *EventRing) Replay(sinceSeq int64) CatchUp {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := CatchUp{CurrentSeq: r.seq, CatchUpComplete: true}
	if len(r.events) == 0 {
		out.CatchUpComplete = sinceSeq >= r.seq
		return out
	}

	oldest := r.events[0].Seq
	if sinceSeq < oldest-1 {
		out.CatchUpComplete = false
	}
	for _, e := range r.events {
		if e.Seq > sinceSeq {
			out.Events = append(out.Events, e)
		}
	}
	return out
}
