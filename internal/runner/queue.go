package runner

import (
	"container/heap"
	"time"

	"coderunner"
)

// waiting is one queued request with its admission deadline.
type waiting struct {
	req         coderunner.ExecRequest
	sink        coderunner.EventSink
	interactive bool
	seq         uint64
	deadline    time.Time
	index       int
}

// requestQueue is a max-heap: higher priority dispatches first, equal
// priorities dispatch in arrival order.
type requestQueue []*waiting

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	w := x.(*waiting)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// popBest removes and returns the highest-priority request, or nil.
func (q *requestQueue) popBest() *waiting {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*waiting)
}

// takeExpired removes every request whose deadline has passed.
func (q *requestQueue) takeExpired(now time.Time) []*waiting {
	var expired []*waiting
	for i := 0; i < q.Len(); {
		if (*q)[i].deadline.After(now) {
			i++
			continue
		}
		expired = append(expired, heap.Remove(q, i).(*waiting))
	}
	return expired
}

// takeSession removes every queued request for the session.
func (q *requestQueue) takeSession(sessionID string) []*waiting {
	var taken []*waiting
	for i := 0; i < q.Len(); {
		if (*q)[i].req.SessionID != sessionID {
			i++
			continue
		}
		taken = append(taken, heap.Remove(q, i).(*waiting))
	}
	return taken
}
