package worker

import (
	"container/heap"

	"github.com/cratery/registry/pkg/dbkit"
)

// jobQueue is a priority queue of Queued jobs ordered by
// (priority desc, queuedOn asc), per §4.6. It is not goroutine-safe; the
// dispatcher's mutex guards it.
type jobQueue struct {
	h jobHeap
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	heap.Init(&q.h)
	return q
}

func (q *jobQueue) Len() int { return q.h.Len() }

func (q *jobQueue) Push(j *dbkit.DocGenJob) {
	heap.Push(&q.h, j)
}

// TakeMatching pops the first job (in priority order) accepted by match,
// leaving the rest untouched. Returns nil when nothing matches.
func (q *jobQueue) TakeMatching(match func(*dbkit.DocGenJob) bool) *dbkit.DocGenJob {
	var skipped []*dbkit.DocGenJob
	var picked *dbkit.DocGenJob
	for q.h.Len() > 0 {
		j := heap.Pop(&q.h).(*dbkit.DocGenJob)
		if match(j) {
			picked = j
			break
		}
		skipped = append(skipped, j)
	}
	for _, j := range skipped {
		heap.Push(&q.h, j)
	}
	return picked
}

// Remove deletes a queued job by id, for cancellation of Queued jobs.
func (q *jobQueue) Remove(jobID string) *dbkit.DocGenJob {
	for i, j := range q.h {
		if j.ID == jobID {
			removed := heap.Remove(&q.h, i).(*dbkit.DocGenJob)
			return removed
		}
	}
	return nil
}

type jobHeap []*dbkit.DocGenJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*dbkit.DocGenJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
