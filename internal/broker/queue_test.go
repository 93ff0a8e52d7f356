package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainQueue(t *testing.T, q *Queue) []Message {
	t.Helper()
	var out []Message
	for {
		m, ok, err := q.TryNext()
		if err != nil {
			return out
		}
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	for k := 0; k < 5; k++ {
		q.Offer(msg(k))
	}

	require.Equal(t, 5, q.Len())
	got := drainQueue(t, q)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, msg(i).ID, m.ID)
	}
	assert.Zero(t, q.Dropped())
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue(4)
	for k := 0; k < 6; k++ {
		dropped := q.Offer(msg(k))
		assert.Equal(t, k >= 4, dropped)
	}

	assert.Equal(t, uint64(2), q.Dropped())
	got := drainQueue(t, q)
	require.Len(t, got, 4)
	// Head was discarded twice; the newest four survive.
	assert.Equal(t, "m-2", got[0].ID)
	assert.Equal(t, "m-5", got[3].ID)
}

func TestQueueCloseDrainsThenEnds(t *testing.T) {
	q := NewQueue(4)
	q.Offer(msg(1))
	q.Offer(msg(2))
	q.Close()

	// Buffered messages are still yielded after close.
	m, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	m, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m-2", m.ID)

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueOfferAfterCloseIsNoop(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	assert.False(t, q.Offer(msg(1)))
	assert.Equal(t, 0, q.Len())
	assert.Zero(t, q.Dropped())
}

func TestQueueNextBlocksUntilOffer(t *testing.T) {
	q := NewQueue(4)

	got := make(chan Message, 1)
	go func() {
		m, err := q.Next(context.Background())
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Offer(msg(7))

	select {
	case m := <-got:
		assert.Equal(t, "m-7", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not wake up")
	}
}

func TestQueueCloseUnblocksConsumer(t *testing.T) {
	q := NewQueue(4)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not unblock on close")
	}
}

func TestQueueNextRespectsContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueConcurrentOfferAndDrain(t *testing.T) {
	const n = 2000
	q := NewQueue(n) // large enough that nothing drops

	go func() {
		for k := 0; k < n; k++ {
			q.Offer(Message{Seq: uint64(k + 1)})
		}
		q.Close()
	}()

	var last uint64
	count := 0
	for {
		m, err := q.Next(context.Background())
		if err != nil {
			break
		}
		require.Greater(t, m.Seq, last, "delivery must stay in offer order")
		last = m.Seq
		count++
	}
	assert.Equal(t, n, count)
	assert.Zero(t, q.Dropped())
}
