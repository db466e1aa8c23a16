// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"finsight/platform/shared/types"
)

// completedRetention bounds the terminal-item map so AwaitResult can still
// find recently finished queries without growing without bound.
const completedRetention = 100

// minimumWaitEstimateMs is the floor applied to every wait estimate.
const minimumWaitEstimateMs = 100

// PriorityQueue is the bounded in-memory queue feeding the scheduler.
// Ordering is ascending priority, FIFO within equal priority. Dequeue
// blocks until an item is available and an execution slot is free; the
// queue owns the executing-slot count so that invariant holds under the
// same mutex.
type PriorityQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items     itemHeap
	queued    map[uuid.UUID]*QueueItem
	executing map[uuid.UUID]*QueueItem
	completed map[uuid.UUID]*QueueItem

	maxSize       int
	maxConcurrent int
	seq           uint64
	closed        bool
	stopped       bool

	completedCount int64
	failedCount    int64
	timedOutCount  int64
	cancelledCount int64

	waitWindow *rollingWindow
	execWindow *rollingWindow

	clock Clock
}

// NewPriorityQueue creates a queue bounded at maxSize with maxConcurrent
// execution slots. clock may be nil for the system clock.
func NewPriorityQueue(maxSize, maxConcurrent int, clock Clock) *PriorityQueue {
	if clock == nil {
		clock = SystemClock()
	}
	q := &PriorityQueue{
		queued:        make(map[uuid.UUID]*QueueItem),
		executing:     make(map[uuid.UUID]*QueueItem),
		completed:     make(map[uuid.UUID]*QueueItem),
		maxSize:       maxSize,
		maxConcurrent: maxConcurrent,
		waitWindow:    newRollingWindow(50),
		execWindow:    newRollingWindow(50),
		clock:         clock,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits an item and returns its estimated wait. Fails with
// ErrKindQueueFull when the queue is at capacity or stopped.
func (q *PriorityQueue) Enqueue(item *QueueItem) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.stopped {
		return 0, &PipelineError{
			Kind:         ErrKindQueueFull,
			Message:      "queue is not accepting new queries",
			RetryAfterMs: 1000,
		}
	}
	if q.items.Len() >= q.maxSize {
		return 0, &PipelineError{
			Kind:         ErrKindQueueFull,
			Message:      "queue is at capacity",
			RetryAfterMs: 1000,
		}
	}

	q.seq++
	item.seq = q.seq
	item.State = StateQueued
	item.SubmittedAt = q.clock.Now()
	heap.Push(&q.items, item)
	q.queued[item.ID] = item
	est := q.estimateWaitLocked(item)
	q.cond.Signal()
	return est, nil
}

// Dequeue blocks until an item is ready and an execution slot is free.
// It returns false only after Close.
func (q *PriorityQueue) Dequeue() (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && (q.items.Len() == 0 || len(q.executing) >= q.maxConcurrent) {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	item := heap.Pop(&q.items).(*QueueItem)
	delete(q.queued, item.ID)
	item.State = StateExecuting
	item.DequeuedAt = q.clock.Now()
	q.waitWindow.add(float64(item.DequeuedAt.Sub(item.SubmittedAt).Milliseconds()))
	q.executing[item.ID] = item
	return item, true
}

// Complete transitions an executing item to a terminal state, frees its
// slot and retains it for result retrieval.
func (q *PriorityQueue) Complete(id uuid.UUID, state QueryState, result *types.QueryResult, perr *PipelineError) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.executing[id]
	if !ok {
		return
	}
	delete(q.executing, id)

	item.State = state
	item.CompletedAt = q.clock.Now()
	item.Result = result
	item.Err = perr

	switch state {
	case StateCompleted:
		q.completedCount++
		execMs := item.CompletedAt.Sub(item.DequeuedAt).Milliseconds()
		if item.Result != nil && item.Result.ExecutionTimeMs > 0 {
			execMs = item.Result.ExecutionTimeMs
		}
		q.execWindow.add(float64(execMs))
	case StateTimeout:
		q.timedOutCount++
	case StateCancelled:
		q.cancelledCount++
	default:
		q.failedCount++
	}

	q.retainLocked(item)
	close(item.done)
	q.cond.Broadcast()
}

// Cancel evicts a queued item. For an executing item it reports
// stillExecuting=true and leaves the transition to the executor path.
func (q *PriorityQueue) Cancel(id uuid.UUID) (found, stillExecuting bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.queued[id]; ok {
		heap.Remove(&q.items, item.heapIdx)
		delete(q.queued, id)
		item.State = StateCancelled
		item.CompletedAt = q.clock.Now()
		item.Err = NewPipelineError(ErrKindCancelled, "cancelled while queued")
		q.cancelledCount++
		q.retainLocked(item)
		close(item.done)
		return true, false
	}
	if _, ok := q.executing[id]; ok {
		return true, true
	}
	return false, false
}

// Get looks an item up in any state.
func (q *PriorityQueue) Get(id uuid.UUID) (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.queued[id]; ok {
		return item, true
	}
	if item, ok := q.executing[id]; ok {
		return item, true
	}
	if item, ok := q.completed[id]; ok {
		return item, true
	}
	return nil, false
}

// Snapshot returns a copy of an item's current fields, taken under the
// queue lock so awaiters never observe a half-written transition.
func (q *PriorityQueue) Snapshot(id uuid.UUID) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.queued[id]; ok {
		return *item, true
	}
	if item, ok := q.executing[id]; ok {
		return *item, true
	}
	if item, ok := q.completed[id]; ok {
		return *item, true
	}
	return QueueItem{}, false
}

// EstimateWait returns the estimated queue wait for a queued item,
// clamped to at least 100 ms. Non-queued items estimate to zero.
func (q *PriorityQueue) EstimateWait(id uuid.UUID) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.queued[id]
	if !ok {
		return 0
	}
	return q.estimateWaitLocked(item)
}

func (q *PriorityQueue) estimateWaitLocked(item *QueueItem) int64 {
	ahead := 0
	for _, other := range q.items {
		if other.ID == item.ID {
			continue
		}
		if other.Priority < item.Priority ||
			(other.Priority == item.Priority && other.seq < item.seq) {
			ahead++
		}
	}

	available := q.maxConcurrent - len(q.executing)
	if available < 0 {
		available = 0
	}
	effective := ahead - available
	if effective < 0 {
		effective = 0
	}

	avgExec := q.execWindow.mean()
	est := int64(float64(effective) * avgExec / float64(q.maxConcurrent))
	if est < minimumWaitEstimateMs {
		est = minimumWaitEstimateMs
	}
	return est
}

// ExecutingCount returns the number of occupied execution slots.
func (q *PriorityQueue) ExecutingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.executing)
}

// QueuedCount returns the number of waiting items.
func (q *PriorityQueue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns per-state counts and the rolling averages.
func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Queued:        q.items.Len(),
		Executing:     len(q.executing),
		Completed:     q.completedCount,
		Failed:        q.failedCount,
		TimedOut:      q.timedOutCount,
		Cancelled:     q.cancelledCount,
		AverageWaitMs: q.waitWindow.mean(),
		AverageExecMs: q.execWindow.mean(),
		EmergencyStop: q.stopped,
	}
}

// EmergencyStop fails every queued item and stops further enqueues.
// Executing items are not touched here; the caller cancels their tokens
// through the executor. Returns the number of queued items failed.
func (q *PriorityQueue) EmergencyStop() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	n := 0
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*QueueItem)
		delete(q.queued, item.ID)
		item.State = StateFailed
		item.CompletedAt = q.clock.Now()
		item.Err = NewPipelineError(ErrKindExecutionFailed, "system emergency stop")
		q.failedCount++
		q.retainLocked(item)
		close(item.done)
		n++
	}
	q.cond.Broadcast()
	return n
}

// Resume lifts an emergency stop.
func (q *PriorityQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = false
}

// Close wakes the scheduler for shutdown. Queued items stay retrievable.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// retainLocked keeps a terminal item, evicting the oldest completion
// once the retention bound is exceeded.
func (q *PriorityQueue) retainLocked(item *QueueItem) {
	q.completed[item.ID] = item
	for len(q.completed) > completedRetention {
		var oldest *QueueItem
		for _, c := range q.completed {
			if oldest == nil || c.CompletedAt.Before(oldest.CompletedAt) {
				oldest = c
			}
		}
		delete(q.completed, oldest.ID)
	}
}

// itemHeap orders by ascending priority, then submission order.
type itemHeap []*QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*QueueItem)
	item.heapIdx = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
