package recordstore

import (
	"sync"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// pendingQueue buffers changes while the zone API is unreachable.
type pendingQueue struct {
	mu      sync.Mutex
	queue   []*memory.PendingChange
	maxSize int
}

func newPendingQueue(maxSize int) *pendingQueue {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &pendingQueue{
		queue:   make([]*memory.PendingChange, 0, maxSize),
		maxSize: maxSize,
	}
}

func (q *pendingQueue) enqueue(ch *memory.PendingChange) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) >= q.maxSize {
		q.evictOldest()
	}
	q.queue = append(q.queue, ch)
}

// dequeue removes and returns the oldest change, or nil when empty.
func (q *pendingQueue) dequeue() *memory.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return nil
	}
	ch := q.queue[0]
	q.queue = q.queue[1:]
	return ch
}

// requeueFront puts a change back at the head after a failed push so
// ordering is preserved on the next flush.
func (q *pendingQueue) requeueFront(ch *memory.PendingChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append([]*memory.PendingChange{ch}, q.queue...)
}

func (q *pendingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *pendingQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = q.queue[:0]
}

// evictOldest drops the oldest non-delete change. Deletes are kept
// because dropping one resurrects the record on the next sync.
// Must be called with lock held.
func (q *pendingQueue) evictOldest() {
	for i := 0; i < len(q.queue); i++ {
		if q.queue[i].Type != memory.ChangeDelete {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
	if len(q.queue) > 0 {
		q.queue = q.queue[1:]
	}
}
