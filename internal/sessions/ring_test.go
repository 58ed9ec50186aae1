package sessions

import (
	"fmt"
	"testing"

	"github.com/duh17/pideck/pkg/protocol"
)

func durableEvent(i int) *protocol.Event {
	return protocol.NewEvent(protocol.EventMessageEnd, "s1", map[string]any{"i": i})
}

func TestRingSeqStartsAtOneAndIsMonotonic(t *testing.T) {
	r := NewEventRing(8)
	for i := 1; i <= 3; i++ {
		e := durableEvent(i)
		r.Append(e)
		if e.Seq != int64(i) {
			t.Fatalf("event %d got seq %d", i, e.Seq)
		}
	}
	if r.CurrentSeq() != 3 {
		t.Fatalf("currentSeq = %d", r.CurrentSeq())
	}
}

func TestRingNonDurableNotRetained(t *testing.T) {
	r := NewEventRing(8)
	delta := protocol.NewEvent(protocol.EventTextDelta, "s1", map[string]any{"delta": "x"})
	r.Append(delta)
	if delta.Seq != 0 {
		t.Fatalf("non-durable event got seq %d", delta.Seq)
	}
	if r.CurrentSeq() != 0 {
		t.Fatalf("currentSeq moved for non-durable event: %d", r.CurrentSeq())
	}
	if got := r.Replay(0); len(got.Events) != 0 {
		t.Fatalf("replay returned non-durable events: %+v", got.Events)
	}
}

func TestRingDropsOldest(t *testing.T) {
	r := NewEventRing(4)
	for i := 1; i <= 10; i++ {
		r.Append(durableEvent(i))
	}
	got := r.Replay(0)
	if len(got.Events) != 4 {
		t.Fatalf("retained %d events, want 4", len(got.Events))
	}
	if got.Events[0].Seq != 7 || got.Events[3].Seq != 10 {
		t.Fatalf("window = [%d..%d], want [7..10]", got.Events[0].Seq, got.Events[3].Seq)
	}
	if got.CatchUpComplete {
		t.Fatal("replay past the window must be incomplete")
	}
}

func TestRingReplayBoundaries(t *testing.T) {
	r := NewEventRing(8)
	for i := 1; i <= 5; i++ {
		r.Append(durableEvent(i))
	}

	tests := []struct {
		sinceSeq int64
		events   int
		complete bool
	}{
		{5, 0, true},  // caught up
		{3, 2, true},  // partial window
		{0, 5, true},  // full window
		{4, 1, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("since%d", tc.sinceSeq), func(t *testing.T) {
			got := r.Replay(tc.sinceSeq)
			if len(got.Events) != tc.events || got.CatchUpComplete != tc.complete {
				t.Fatalf("got %d events complete=%v, want %d/%v", len(got.Events), got.CatchUpComplete, tc.events, tc.complete)
			}
			if got.CurrentSeq != 5 {
				t.Fatalf("currentSeq = %d", got.CurrentSeq)
			}
		})
	}
}

func TestRingEmptyReplay(t *testing.T) {
	r := NewEventRing(8)
	got := r.Replay(0)
	if len(got.Events) != 0 || !got.CatchUpComplete || got.CurrentSeq != 0 {
		t.Fatalf("empty ring replay = %+v", got)
	}
}

func TestRingSeqOrderInReplay(t *testing.T) {
	r := NewEventRing(16)
	for i := 1; i <= 9; i++ {
		r.Append(durableEvent(i))
	}
	got := r.Replay(2)
	for i := 1; i < len(got.Events); i++ {
		if got.Events[i-1].Seq >= got.Events[i].Seq {
			t.Fatalf("replay out of order at %d: %d >= %d", i, got.Events[i-1].Seq, got.Events[i].Seq)
		}
	}
}
