// Package queue holds waiting calls and offers them to matching idle agents.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/openacd/openacd/internal/media"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrCallExists is returned when a call is already queued
	ErrCallExists = errors.New("call already exists in queue")
)

// QueuedCall represents a call waiting for an agent
type QueuedCall struct {
	CallID   string
	Priority int // Higher priority = offered first
	Skills   []string
	QueuedAt time.Time
	Call     *media.Call
	index    int // Index in the heap (used by container/heap)
}

// callHeap implements heap.Interface for priority queue
type callHeap []*QueuedCall

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	// Higher priority first, then earlier queued time
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedCall)
	item.index = n
	*h = append(*h, item)
}

func (h *callHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// CallQueue manages the priority queue of waiting calls
type CallQueue struct {
	mu      sync.RWMutex
	name    string
	heap    callHeap
	callMap map[string]*QueuedCall // For quick lookup by call ID
	maxSize int
}

// NewCallQueue creates a named call queue
func NewCallQueue(name string, maxSize int) *CallQueue {
	q := &CallQueue{
		name:    name,
		heap:    make(callHeap, 0),
		callMap: make(map[string]*QueuedCall),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Name returns the queue name
func (q *CallQueue) Name() string { return q.name }

// Enqueue adds a call to the queue
// Returns error if queue is full or call already exists
func (q *CallQueue) Enqueue(call *media.Call, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.callMap[call.ID]; exists {
		return ErrCallExists
	}

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qc := &QueuedCall{
		CallID:   call.ID,
		Priority: priority,
		Skills:   append([]string(nil), call.Skills...),
		QueuedAt: time.Now(),
		Call:     call,
	}

	heap.Push(&q.heap, qc)
	q.callMap[call.ID] = qc
	return nil
}

// Dequeue removes and returns the most urgent call
// Returns nil if queue is empty
func (q *CallQueue) Dequeue() *QueuedCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qc := heap.Pop(&q.heap).(*QueuedCall)
	delete(q.callMap, qc.CallID)
	return qc
}

// Peek returns the most urgent call without removing it
func (q *CallQueue) Peek() *QueuedCall {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific call from the queue
func (q *CallQueue) Remove(callID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qc, exists := q.callMap[callID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qc.index)
	delete(q.callMap, callID)
	return true
}

// UpdatePriority changes a queued call's priority in place
func (q *CallQueue) UpdatePriority(callID string, newPriority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qc, exists := q.callMap[callID]
	if !exists {
		return false
	}

	qc.Priority = newPriority
	heap.Fix(&q.heap, qc.index)
	return true
}

// Contains checks if a call is in the queue
func (q *CallQueue) Contains(callID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.callMap[callID]
	return exists
}

// Len returns the number of waiting calls
func (q *CallQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// List returns all waiting calls (for status endpoints)
func (q *CallQueue) List() []*QueuedCall {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedCall, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all waiting calls
func (q *CallQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(callHeap, 0)
	q.callMap = make(map[string]*QueuedCall)
	heap.Init(&q.heap)
}
