package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

func newQueue(capacity int, policy logging.DiscardPolicy) (*Queue, *atomic.Int64) {
	var discarded atomic.Int64
	q := New(Config{Capacity: capacity, Policy: policy, BlockTimeout: 50 * time.Millisecond}, func(n int) {
		discarded.Add(int64(n))
	})
	return q, &discarded
}

func TestQueue_FIFOAndSequence(t *testing.T) {
	q, _ := newQueue(10, logging.DiscardOldest)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Enqueue(fmt.Sprintf("m%d", i)))
	}

	msgs, ctrl, err := q.Drain(context.Background(), Limits{MaxCount: 10}, 0)
	require.NoError(t, err)
	assert.Equal(t, ControlNone, ctrl)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Payload)
		assert.Equal(t, uint64(i+1), m.Sequence)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DiscardNewestAtCapacity(t *testing.T) {
	q, discarded := newQueue(3, logging.DiscardNewest)
	for i := 0; i < 3; i++ {
		assert.True(t, q.Enqueue(fmt.Sprintf("m%d", i)))
	}

	assert.False(t, q.Enqueue("rejected"))
	assert.Equal(t, int64(1), discarded.Load())
	assert.Equal(t, 3, q.Len())

	msgs, _, err := q.Drain(context.Background(), Limits{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, payloads(msgs))
}

func TestQueue_DiscardOldestEvictsHead(t *testing.T) {
	q, discarded := newQueue(3, logging.DiscardOldest)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Enqueue(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, int64(2), discarded.Load())
	msgs, _, err := q.Drain(context.Background(), Limits{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, payloads(msgs))
}

func TestQueue_BlockTimesOutAndRejects(t *testing.T) {
	q, discarded := newQueue(1, logging.DiscardBlock)
	assert.True(t, q.Enqueue("first"))

	start := time.Now()
	assert.False(t, q.Enqueue("second"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int64(1), discarded.Load())
}

func TestQueue_BlockWakesWhenDrained(t *testing.T) {
	q := New(Config{Capacity: 2, Policy: logging.DiscardBlock, BlockTimeout: 5 * time.Second}, nil)

	var wg sync.WaitGroup
	var accepted atomic.Int64
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if q.Enqueue(fmt.Sprintf("p%d-%d", p, i)) {
					accepted.Add(1)
				}
			}
		}(p)
	}

	received := 0
	deadline := time.Now().Add(5 * time.Second)
	for received < 100 && time.Now().Before(deadline) {
		msgs, _, err := q.Drain(context.Background(), Limits{MaxCount: 3}, 10*time.Millisecond)
		require.NoError(t, err)
		received += len(msgs)
	}
	wg.Wait()

	assert.Equal(t, int64(100), accepted.Load())
	assert.Equal(t, 100, received)
}

func TestQueue_DrainRespectsLimits(t *testing.T) {
	q, _ := newQueue(100, logging.DiscardOldest)
	for i := 0; i < 10; i++ {
		q.Enqueue("0123456789")
	}

	msgs, _, err := q.Drain(context.Background(), Limits{MaxCount: 4, MaxBytes: 1000}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	// 10 bytes of payload plus 5 bytes overhead
	msgs, _, err = q.Drain(context.Background(), Limits{MaxCount: 100, MaxBytes: 45, Overhead: 5}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, 3, q.Len())

	// nothing fits the remaining budget: no wait, nothing dropped
	start := time.Now()
	msgs, _, err = q.Drain(context.Background(), Limits{MaxCount: 100, MaxBytes: 5, Overhead: 5, MaxEntryBytes: 100}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 3, q.Len())
}

func TestQueue_DrainDropsUnsendableMessage(t *testing.T) {
	q, discarded := newQueue(10, logging.DiscardOldest)
	q.Enqueue("this message is far too large")
	q.Enqueue("ok")

	msgs, _, err := q.Drain(context.Background(), Limits{MaxCount: 10, MaxBytes: 10, MaxEntryBytes: 10}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, payloads(msgs))
	assert.Equal(t, int64(1), discarded.Load())
}

func TestQueue_DrainWaitsForFirstMessage(t *testing.T) {
	q, _ := newQueue(10, logging.DiscardOldest)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue("late")
	}()

	start := time.Now()
	msgs, _, err := q.Drain(context.Background(), Limits{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, payloads(msgs))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQueue_DrainReturnsEmptyAfterMaxWait(t *testing.T) {
	q, _ := newQueue(10, logging.DiscardOldest)

	start := time.Now()
	msgs, ctrl, err := q.Drain(context.Background(), Limits{}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, ControlNone, ctrl)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQueue_RetireIsNeverMixedIntoBatch(t *testing.T) {
	q, discarded := newQueue(10, logging.DiscardOldest)
	q.Enqueue("a")
	q.Enqueue("b")
	require.True(t, q.Retire())
	assert.False(t, q.Enqueue("after"))
	assert.Equal(t, int64(1), discarded.Load())
	assert.False(t, q.Retire())

	msgs, ctrl, err := q.Drain(context.Background(), Limits{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, payloads(msgs))
	assert.Equal(t, ControlNone, ctrl)

	msgs, ctrl, err = q.Drain(context.Background(), Limits{}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, ControlRetire, ctrl)
}

func TestQueue_CloseAndDiscard(t *testing.T) {
	q, discarded := newQueue(10, logging.DiscardOldest)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Close()

	assert.False(t, q.Enqueue("c"))
	assert.Equal(t, 2, q.Discard())
	assert.Equal(t, int64(3), discarded.Load())

	_, _, err := q.Drain(context.Background(), Limits{}, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_PerProducerOrder(t *testing.T) {
	q, _ := newQueue(10000, logging.DiscardOldest)

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Enqueue(fmt.Sprintf("%d:%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	msgs, _, err := q.Drain(context.Background(), Limits{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1000)

	last := map[int]int{}
	var prevSeq uint64
	for _, m := range msgs {
		var p, i int
		_, err := fmt.Sscanf(m.Payload, "%d:%d", &p, &i)
		require.NoError(t, err)
		if prev, ok := last[p]; ok {
			assert.Less(t, prev, i)
		}
		last[p] = i
		assert.Greater(t, m.Sequence, prevSeq)
		prevSeq = m.Sequence
	}
}

func payloads(msgs []logging.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}
