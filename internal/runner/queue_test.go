package runner

import (
	"container/heap"
	"testing"
	"time"

	"coderunner"
)

func push(q *requestQueue, session, id string, prio coderunner.Priority, seq uint64, deadline time.Time) {
	heap.Push(q, &waiting{
		req:      coderunner.ExecRequest{SessionID: session, RequestID: id, Priority: prio},
		seq:      seq,
		deadline: deadline,
	})
}

func TestQueueOrdersByPriorityThenArrival(t *testing.T) {
	var q requestQueue
	later := time.Now().Add(time.Minute)

	push(&q, "s", "bg", coderunner.PriorityBackground, 1, later)
	push(&q, "s", "shot1", coderunner.PriorityOneShot, 2, later)
	push(&q, "s", "live", coderunner.PriorityInteractive, 3, later)
	push(&q, "s", "shot2", coderunner.PriorityOneShot, 4, later)

	want := []string{"live", "shot1", "shot2", "bg"}
	for i, w := range want {
		got := q.popBest()
		if got == nil {
			t.Fatalf("popBest #%d = nil", i)
		}
		if got.req.RequestID != w {
			t.Errorf("popBest #%d = %s, want %s", i, got.req.RequestID, w)
		}
	}
	if q.popBest() != nil {
		t.Error("popBest on empty queue != nil")
	}
}

func TestQueueTakeExpired(t *testing.T) {
	var q requestQueue
	now := time.Now()

	push(&q, "s", "old", coderunner.PriorityInteractive, 1, now.Add(-time.Second))
	push(&q, "s", "fresh", coderunner.PriorityInteractive, 2, now.Add(time.Minute))
	push(&q, "s", "stale", coderunner.PriorityBackground, 3, now.Add(-time.Minute))

	expired := q.takeExpired(now)
	if len(expired) != 2 {
		t.Fatalf("takeExpired returned %d, want 2", len(expired))
	}
	if q.Len() != 1 {
		t.Fatalf("queue has %d left, want 1", q.Len())
	}
	if got := q.popBest().req.RequestID; got != "fresh" {
		t.Errorf("survivor = %s, want fresh", got)
	}
}

func TestQueueTakeSession(t *testing.T) {
	var q requestQueue
	later := time.Now().Add(time.Minute)

	push(&q, "a", "a1", coderunner.PriorityInteractive, 1, later)
	push(&q, "b", "b1", coderunner.PriorityInteractive, 2, later)
	push(&q, "a", "a2", coderunner.PriorityBackground, 3, later)

	taken := q.takeSession("a")
	if len(taken) != 2 {
		t.Fatalf("takeSession returned %d, want 2", len(taken))
	}
	if got := q.popBest().req.RequestID; got != "b1" {
		t.Errorf("survivor = %s, want b1", got)
	}
}
