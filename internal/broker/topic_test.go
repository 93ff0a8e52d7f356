package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadK(t *testing.T, m Message) int {
	t.Helper()
	var body struct {
		K int `json:"k"`
	}
	require.NoError(t, json.Unmarshal(m.Payload, &body))
	return body.K
}

func TestTopicSeqContiguous(t *testing.T) {
	tp := NewTopic("t", 100, 64)
	for k := 1; k <= 50; k++ {
		seq, _, err := tp.Publish(msg(k))
		require.NoError(t, err)
		assert.Equal(t, uint64(k), seq)
	}
	assert.Equal(t, uint64(50), tp.Published())
}

func TestTopicBasicPubSub(t *testing.T) {
	tp := NewTopic("orders", 100, 64)

	sub, created, err := tp.Subscribe("a", 0)
	require.NoError(t, err)
	require.True(t, created)

	seq, accepted, err := tp.Publish(Message{ID: "m1", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 1, accepted)

	m, err := sub.Queue().Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, uint64(1), m.Seq)
	assert.JSONEq(t, `{"n":1}`, string(m.Payload))
	assert.False(t, m.Timestamp.IsZero())

	require.True(t, tp.Unsubscribe("a"))
	_, _, err = tp.Publish(msg(2))
	require.NoError(t, err)

	// The closed queue holds nothing further.
	_, err = sub.Queue().Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTopicHistoricalReplay(t *testing.T) {
	tp := NewTopic("t", 100, 64)
	for k := 0; k < 25; k++ {
		_, _, err := tp.Publish(msg(k))
		require.NoError(t, err)
	}

	sub, _, err := tp.Subscribe("s1", 10)
	require.NoError(t, err)

	// Exactly the last ten, in order, before anything live.
	for want := 15; want <= 24; want++ {
		m, err := sub.Queue().Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, payloadK(t, m))
	}

	seq, _, err := tp.Publish(msg(25))
	require.NoError(t, err)
	assert.Equal(t, uint64(26), seq)

	m, err := sub.Queue().Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, payloadK(t, m))
	assert.Equal(t, uint64(26), m.Seq)
}

func TestTopicReplayClampedToHistory(t *testing.T) {
	tp := NewTopic("t", 100, 128)
	for k := 0; k < 150; k++ {
		_, _, err := tp.Publish(msg(k))
		require.NoError(t, err)
	}

	sub, _, err := tp.Subscribe("s1", 1000)
	require.NoError(t, err)

	got := drainQueue(t, sub.Queue())
	require.Len(t, got, 100)
	assert.Equal(t, 50, payloadK(t, got[0]))
	assert.Equal(t, 149, payloadK(t, got[99]))
}

func TestTopicSlowConsumerDropOldest(t *testing.T) {
	tp := NewTopic("t", 100, 64)
	sub, _, err := tp.Subscribe("s1", 0)
	require.NoError(t, err)

	// Nobody drains; the queue keeps only the newest 64.
	for k := 0; k < 200; k++ {
		_, _, err := tp.Publish(msg(k))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(136), sub.Queue().Dropped())
	assert.Equal(t, uint64(136), tp.Dropped())

	got := drainQueue(t, sub.Queue())
	require.Len(t, got, 64)
	assert.Equal(t, 136, payloadK(t, got[0]))
	assert.Equal(t, 199, payloadK(t, got[63]))

	// Seqs stay strictly increasing across the gap.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestTopicSubscribeIdempotent(t *testing.T) {
	tp := NewTopic("t", 100, 64)

	first, created, err := tp.Subscribe("a", 0)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := tp.Subscribe("a", 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, tp.SubscriberCount())

	// One subscription means one delivery.
	_, _, err = tp.Publish(msg(1))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Queue().Len())
}

func TestTopicUnsubscribeIdempotent(t *testing.T) {
	tp := NewTopic("t", 100, 64)
	_, _, err := tp.Subscribe("a", 0)
	require.NoError(t, err)

	assert.True(t, tp.Unsubscribe("a"))
	assert.False(t, tp.Unsubscribe("a"))
	assert.False(t, tp.Unsubscribe("never-existed"))
}

func TestTopicCloseEndsAllSubscriptions(t *testing.T) {
	tp := NewTopic("t", 100, 64)
	s1, _, err := tp.Subscribe("a", 0)
	require.NoError(t, err)
	s2, _, err := tp.Subscribe("b", 0)
	require.NoError(t, err)

	tp.Close()

	_, err = s1.Queue().Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = s2.Queue().Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, _, err = tp.Publish(msg(1))
	assert.ErrorIs(t, err, ErrTopicClosed)

	_, _, err = tp.Subscribe("c", 0)
	assert.ErrorIs(t, err, ErrTopicClosed)
}

// Two concurrent publishers race a subscriber joining mid-stream. From its
// join point the subscriber must observe every later admission exactly
// once, in strictly increasing seq order, with no gap.
func TestTopicSubscribeRacesPublish(t *testing.T) {
	const (
		publishers   = 2
		perPublisher = 1000
		total        = publishers * perPublisher
	)

	tp := NewTopic("t", 100, total+16)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			for k := 0; k < perPublisher; k++ {
				_, _, err := tp.Publish(Message{ID: fmt.Sprintf("p%d-%d", p, k)})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}

	subCh := make(chan *Subscription, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		sub, _, err := tp.Subscribe("racer", 0)
		if err != nil {
			t.Error(err)
			return
		}
		subCh <- sub
	}()

	close(start)
	wg.Wait()

	sub := <-subCh
	tp.Unsubscribe("racer") // close the queue so the drain terminates

	got := drainQueue(t, sub.Queue())
	require.NotEmpty(t, got, "subscriber joined before the last publish with overwhelming probability")

	first := got[0].Seq
	for i, m := range got {
		require.Equal(t, first+uint64(i), m.Seq, "exactly-once, gap-free from the join point")
	}
	assert.Equal(t, uint64(total), got[len(got)-1].Seq)
	assert.Zero(t, sub.Queue().Dropped())
}
