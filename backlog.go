package realtime

import "sync"

type backlogItem struct {
	connID    ConnID
	data      []byte
	eventType string
}

// backlogQueue is the shared retry buffer for frames that hit a full consumer
// buffer. It is bounded; when full the oldest frame is evicted so the queue
// reflects recent pressure rather than growing without limit. The queue's
// length is what SystemMetrics reports as queueLength and what the clear_queue
// admin action flushes.
type backlogQueue struct {
	mu    sync.Mutex
	items []backlogItem
	max   int
}

func newBacklogQueue(max int) *backlogQueue {
	if max <= 0 {
		return nil
	}
	return &backlogQueue{max: max}
}

// push appends the frame, evicting the oldest entry if the queue is full.
// Returns true when an eviction happened.
func (q *backlogQueue) push(connID ConnID, data []byte, eventType string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, backlogItem{connID: connID, data: data, eventType: eventType})
	return evicted
}

func (q *backlogQueue) drain(batch int) []backlogItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	if batch <= 0 || batch > len(q.items) {
		batch = len(q.items)
	}
	out := q.items[:batch:batch]
	q.items = append([]backlogItem(nil), q.items[batch:]...)
	return out
}

func (q *backlogQueue) len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// clear empties the queue and reports how many frames were discarded.
func (q *backlogQueue) clear() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
