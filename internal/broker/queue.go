package broker

import (
	"context"
	"sync"
)

// DefaultQueueCapacity is used when a subscription is created without an
// explicit delivery queue capacity.
const DefaultQueueCapacity = 64

// Queue is the bounded FIFO between topic fan-out and a session writer.
// Offer never blocks and never fails: when the queue is full the head is
// discarded (drop-oldest) and a monotonic drop counter is incremented. A
// slow consumer therefore can never stall publication; combined with the
// history ring it can resubscribe with last_n to catch up.
//
// Offer and Next are safe to call concurrently. After Close, Offer is a
// no-op; Next keeps yielding buffered messages and returns ErrQueueClosed
// once the queue is empty.
type Queue struct {
	mu      sync.Mutex
	buf     []Message
	head    int
	size    int
	dropped uint64
	closed  bool
	wake    chan struct{}
}

// NewQueue creates a delivery queue with the given capacity. Non-positive
// capacities fall back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		buf:  make([]Message, capacity),
		wake: make(chan struct{}, 1),
	}
}

// Offer enqueues m. When the queue is full the oldest entry is dropped to
// make room. Reports whether an entry was dropped.
func (q *Queue) Offer(m Message) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.size == len(q.buf) {
		// Drop the head: newest state beats ancient state.
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = m
	q.size++
	q.mu.Unlock()

	q.signal()
	return dropped
}

// Next blocks until a message is available, the queue is closed and
// drained (ErrQueueClosed), or ctx is done.
func (q *Queue) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok, err := q.tryPop(); ok || err != nil {
			return m, err
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryNext pops the head without blocking. ok reports whether a message was
// returned; err is ErrQueueClosed once the queue is closed and empty.
func (q *Queue) TryNext() (Message, bool, error) {
	return q.tryPop()
}

func (q *Queue) tryPop() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size > 0 {
		m := q.buf[q.head]
		q.buf[q.head] = Message{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		return m, true, nil
	}
	if q.closed {
		return Message{}, false, ErrQueueClosed
	}
	return Message{}, false, nil
}

// Close marks the queue terminal and unblocks any waiting consumer.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Dropped returns the monotonically increasing count of messages discarded
// by the drop-oldest policy.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
