package broker

import (
	"sync"
	"time"
)

// Subscription ties a (topic, client id) pair to its delivery queue. The
// back-reference to the topic is by name only; holders re-resolve it
// through the registry when they need topic operations.
type Subscription struct {
	Topic    string
	ClientID string
	queue    *Queue
}

// Queue returns the subscription's delivery queue.
func (s *Subscription) Queue() *Queue {
	return s.queue
}

// Topic owns one named message stream: its history ring, its subscriber
// set, and the per-topic mutex that serializes admissions. The mutex is the
// topic's total-order point: it covers sequence assignment, ring append,
// fan-out, and subscriber-set mutation. Fan-out uses non-blocking Offer, so
// hold time is bounded by subscriber count, never by consumer speed.
type Topic struct {
	name     string
	queueCap int

	mu             sync.Mutex
	ring           *Ring
	subs           map[string]*Subscription
	seq            uint64
	droppedRetired uint64 // drops carried over from removed subscriptions
	closed         bool
}

// NewTopic creates a topic with the given history ring capacity and
// delivery queue capacity for its subscriptions.
func NewTopic(name string, historyCap, queueCap int) *Topic {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Topic{
		name:     name,
		queueCap: queueCap,
		ring:     NewRing(historyCap),
		subs:     make(map[string]*Subscription),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Publish admits m: assigns the next sequence number and the broker
// timestamp, appends to the history ring, and offers the message to every
// current subscription. Full queues drop their oldest entry; drops are
// counted, not errors. Returns the assigned seq and the number of
// subscriptions the message was offered to. Fails only with ErrTopicClosed
// after the topic has been deleted.
func (t *Topic) Publish(m Message) (seq uint64, accepted int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, 0, ErrTopicClosed
	}

	t.seq++
	m.Seq = t.seq
	m.Timestamp = time.Now().UTC()

	t.ring.Append(m)
	for _, sub := range t.subs {
		sub.queue.Offer(m)
	}
	return m.Seq, len(t.subs), nil
}

// Subscribe creates a subscription for clientID, priming its queue with up
// to lastN historical messages. The snapshot and the insertion into the
// subscriber set happen under the topic lock, so the subscriber observes
// the replayed history followed by every later admission with no gap and
// no overlap. A second subscribe for the same clientID is idempotent:
// the existing subscription is returned with created=false and no history
// is replayed again.
func (t *Topic) Subscribe(clientID string, lastN int) (sub *Subscription, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrTopicClosed
	}

	if existing, ok := t.subs[clientID]; ok {
		return existing, false, nil
	}

	sub = &Subscription{
		Topic:    t.name,
		ClientID: clientID,
		queue:    NewQueue(t.queueCap),
	}
	for _, m := range t.ring.Snapshot(lastN) {
		sub.queue.Offer(m)
	}
	t.subs[clientID] = sub
	return sub, true, nil
}

// Unsubscribe removes clientID's subscription and closes its delivery
// queue. Reports whether a subscription existed; removing an absent
// subscription is not an error.
func (t *Topic) Unsubscribe(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[clientID]
	if !ok {
		return false
	}
	delete(t.subs, clientID)
	t.droppedRetired += sub.queue.Dropped()
	sub.queue.Close()
	return true
}

// Close terminates the topic: every subscription's queue is closed (its
// consumer observes end of stream) and further Publish fails with
// ErrTopicClosed. Called by the registry on topic deletion.
func (t *Topic) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		t.droppedRetired += sub.queue.Dropped()
		sub.queue.Close()
		delete(t.subs, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Published returns the total number of admitted messages, which equals
// the last assigned sequence number.
func (t *Topic) Published() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Dropped returns the total number of messages discarded across all
// subscriptions of this topic, including subscriptions that have since
// been removed.
func (t *Topic) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.droppedRetired
	for _, sub := range t.subs {
		total += sub.queue.Dropped()
	}
	return total
}

// HistoryLen returns the number of messages currently retained in the ring.
func (t *Topic) HistoryLen() int {
	return t.ring.Len()
}

// HistoryCap returns the ring capacity fixed at topic creation.
func (t *Topic) HistoryCap() int {
	return t.ring.Cap()
}

// LastN returns a copy of the last n retained messages in admission order.
func (t *Topic) LastN(n int) []Message {
	return t.ring.Snapshot(n)
}
