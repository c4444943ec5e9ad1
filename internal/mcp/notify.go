package mcp

import "sync"

// notifyQueue is the unbounded FIFO between the connection's receive
// goroutine and the notification dispatcher. Unbounded so the receive
// loop never blocks on a slow plugin hook; FIFO so plugins observe
// server notifications in arrival order.
type notifyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Notification
	closed bool
}

func newNotifyQueue() *notifyQueue {
	q := &notifyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a notification. No-op after close.
func (q *notifyQueue) push(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, n)
	q.cond.Signal()
}

// pop blocks until a notification is available or the queue closes.
// ok is false once the queue is closed and drained.
func (q *notifyQueue) pop() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Notification{}, false
	}
	n := q.items[0]
	q.items = q.items[1:]
	return n, true
}

// close wakes the dispatcher; queued notifications are still drained.
func (q *notifyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
