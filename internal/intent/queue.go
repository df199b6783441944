package intent

import (
	"IntentFlow/internal/event"
	"container/heap"
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("intent queue full")
	ErrQueueClosed = errors.New("intent queue closed")
)

// QueueItem is one queued intent plus the event that submitted it.
type QueueItem struct {
	Intent *Intent
	// CauseEventID is the intent.submitted event id.
	CauseEventID string

	// pending is the status change a failed attempt left unpublished.
	pending  *event.Envelope
	priority int
	seq      uint64
}

// itemHeap orders by (-priority, seq): higher priority first, then FIFO.
type itemHeap []*QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*QueueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue safe for concurrent Put and a single
// blocking consumer. Ties on priority dequeue in insertion order.
type Queue struct {
	mu      sync.Mutex
	items   itemHeap
	next    uint64
	max     int
	closed  bool
	ready   chan struct{}
	closeCh chan struct{}
}

// NewQueue returns a queue holding at most max items (0 = unbounded).
func NewQueue(max int) *Queue {
	return &Queue{
		max:     max,
		ready:   make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Put enqueues in with its current priority and returns the new length.
func (q *Queue) Put(in *Intent, causeEventID string) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if q.max > 0 && len(q.items) >= q.max {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}
	return q.push(&QueueItem{Intent: in, CauseEventID: causeEventID, priority: in.Priority})
}

// Requeue puts item back behind items of the same priority, keeping any
// pending status change.
func (q *Queue) Requeue(item *QueueItem) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if q.max > 0 && len(q.items) >= q.max {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}
	return q.push(item)
}

// push is called with q.mu held and releases it.
func (q *Queue) push(item *QueueItem) (int, error) {
	q.next++
	item.seq = q.next
	heap.Push(&q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	q.signal()
	return n, nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryGet pops the highest-priority item without blocking.
func (q *Queue) TryGet() (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*QueueItem), true
}

// Get blocks until an item is available, ctx is done, or the queue closes.
func (q *Queue) Get(ctx context.Context) (*QueueItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*QueueItem)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			return nil, ErrQueueClosed
		case <-q.ready:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further puts and wakes any waiting consumer. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}
