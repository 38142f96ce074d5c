package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// Memory is an in-process Queue. Requests wait in a schedule-ordered heap
// until due, then move to a ready heap ordered for dispatch.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	seq     uint64
	pending scheduleHeap
	ready   readyHeap
}

// NewMemory creates a Memory queue holding at most maxSize requests.
func NewMemory(maxSize int) *Memory {
	return &Memory{maxSize: maxSize}
}

// Enqueue implements Queue.
func (q *Memory) Enqueue(_ context.Context, req survey.CallRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len()+q.ready.Len() >= q.maxSize {
		return survey.ErrQueueFull
	}
	q.seq++
	req.Seq = q.seq
	heap.Push(&q.pending, req)
	return nil
}

// DequeueNext implements Queue.
func (q *Memory) DequeueNext(_ context.Context, now time.Time) (survey.CallRequest, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 && q.pending[0].Due(now) {
		heap.Push(&q.ready, heap.Pop(&q.pending))
	}
	if q.ready.Len() == 0 {
		return survey.CallRequest{}, false, nil
	}
	return heap.Pop(&q.ready).(survey.CallRequest), true, nil
}

// Size implements Queue.
func (q *Memory) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() + q.ready.Len(), nil
}

// RemoveCampaign implements Queue.
func (q *Memory) RemoveCampaign(_ context.Context, campaignID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	keep := func(reqs []survey.CallRequest) []survey.CallRequest {
		out := reqs[:0]
		for _, r := range reqs {
			if r.CampaignID == campaignID {
				removed++
				continue
			}
			out = append(out, r)
		}
		return out
	}
	q.pending = keep(q.pending)
	q.ready = keep(q.ready)
	heap.Init(&q.pending)
	heap.Init(&q.ready)
	return removed, nil
}

// scheduleHeap orders by ScheduledAt, then Seq.
type scheduleHeap []survey.CallRequest

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].Seq < h[j].Seq
}
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)   { *h = append(*h, x.(survey.CallRequest)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// readyHeap orders due requests for dispatch.
type readyHeap []survey.CallRequest

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(survey.CallRequest)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
