package appender

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/testutils"
)

// factoryRecorder hands out a fresh mock adapter per call and remembers them.
type factoryRecorder struct {
	mu       sync.Mutex
	adapters []*testutils.MockAdapter
	calls    int
	fail     error
	setup    func(*testutils.MockAdapter)
}

func (f *factoryRecorder) factory(context.Context) (logging.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	a := testutils.NewMockAdapter(100, 1<<20)
	if f.setup != nil {
		f.setup(a)
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *factoryRecorder) all() []*testutils.MockAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*testutils.MockAdapter(nil), f.adapters...)
}

func (f *factoryRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// plainAdapter hides the mock's RotationNamer.
type plainAdapter struct {
	logging.Adapter
}

func makeTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "app-logs"
	cfg.Writer.BatchDelay = 10 * time.Millisecond
	cfg.Writer.Retry.InitialDelay = time.Millisecond
	cfg.Writer.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Writer.Retry.RaceDelay = time.Millisecond
	return cfg
}

func newAppender(t *testing.T, cfg Config, f *factoryRecorder, opts ...Option) *Appender {
	t.Helper()
	a, err := New(cfg, f.factory, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(time.Second) })
	return a
}

func deliveredCounts(adapters []*testutils.MockAdapter) []int {
	counts := make([]int, len(adapters))
	for i, a := range adapters {
		counts[i] = len(a.Delivered())
	}
	return counts
}

func TestAppender_RotatesByCountWithConcurrentProducers(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 333
	cfg.Writer.DiscardPolicy = logging.DiscardBlock
	cfg.Writer.DiscardThreshold = 100
	cfg.Writer.BlockTimeout = 5 * time.Second
	a := newAppender(t, cfg, f)

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a.Enqueue(fmt.Sprintf("p%d-%04d", p, i))
			}
		}(p)
	}
	wg.Wait()
	require.True(t, a.Shutdown(5*time.Second))

	adapters := f.all()
	require.Len(t, adapters, 8)
	assert.Equal(t, []int{333, 333, 333, 333, 333, 333, 333, 169}, deliveredCounts(adapters))
	for i, adapter := range adapters {
		name := "app-logs"
		if i > 0 {
			name += "-" + strconv.Itoa(i+1)
		}
		assert.Equal(t, name, adapter.Names()[0])
	}

	// per-producer order holds across rotation boundaries
	last := map[string]int{}
	for _, adapter := range adapters {
		for _, msg := range adapter.Delivered() {
			producer, seq, _ := strings.Cut(msg, "-")
			n, err := strconv.Atoi(seq)
			require.NoError(t, err)
			if prev, ok := last[producer]; ok {
				assert.Greater(t, n, prev, "producer %s out of order", producer)
			}
			last[producer] = n
		}
	}

	stamp := a.Statistics()
	assert.Equal(t, 2500, stamp.MessagesSent)
	assert.Equal(t, 0, stamp.MessagesDiscarded)
	assert.Equal(t, "app-logs-8", stamp.ActualDestinationName)
	assert.Equal(t, 8, f.callCount())
}

func TestAppender_SingleProducerRotation(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Name = "stream-{sequence}"
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 333
	a := newAppender(t, cfg, f)

	for i := 0; i < 1000; i++ {
		a.Enqueue("message " + strconv.Itoa(i))
	}
	require.True(t, a.Shutdown(5*time.Second))

	adapters := f.all()
	assert.Equal(t, []int{333, 333, 333, 1}, deliveredCounts(adapters))
	assert.Equal(t, "stream-1", adapters[0].Names()[0])
	assert.Equal(t, "stream-4", adapters[3].Names()[0])
	assert.Equal(t, "message 999", adapters[3].Delivered()[0])
}

func TestAppender_RotatesByBytes(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationBytes
	cfg.RotationThreshold = 100
	a := newAppender(t, cfg, f)

	for i := 0; i < 25; i++ {
		a.Enqueue(fmt.Sprintf("msg-%06d", i)) // 10 bytes
	}
	require.True(t, a.Shutdown(5*time.Second))
	assert.Equal(t, []int{10, 10, 5}, deliveredCounts(f.all()))
}

func TestAppender_RotatesByInterval(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func(a *Appender) {
		a.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationInterval
	cfg.RotationInterval = time.Minute
	a := newAppender(t, cfg, f, clock)

	a.Enqueue("first")
	a.Enqueue("second")
	advance(time.Minute)
	a.Enqueue("third")
	advance(30 * time.Second)
	a.Enqueue("fourth")
	require.True(t, a.Shutdown(5*time.Second))

	adapters := f.all()
	require.Len(t, adapters, 2)
	assert.Equal(t, []string{"first", "second"}, adapters[0].Delivered())
	assert.Equal(t, []string{"third", "fourth"}, adapters[1].Delivered())
}

func TestAppender_ExplicitRotate(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 1000
	a := newAppender(t, cfg, f)

	a.Enqueue("before")
	require.NoError(t, a.Rotate())
	a.Enqueue("after")
	assert.Equal(t, "app-logs-2", a.Destination())

	require.True(t, a.Shutdown(5*time.Second))
	assert.ErrorIs(t, a.Rotate(), ErrStopped)

	adapters := f.all()
	require.Len(t, adapters, 2)
	assert.Equal(t, []string{"before"}, adapters[0].Delivered())
	assert.Equal(t, []string{"after"}, adapters[1].Delivered())
}

func TestAppender_RotationNeedsNamer(t *testing.T) {
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 10

	_, err := New(cfg, func(context.Context) (logging.Adapter, error) {
		return plainAdapter{testutils.NewMockAdapter(10, 1000)}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support rotation")

	cfg.Rotation = logging.RotationNone
	a, err := New(cfg, func(context.Context) (logging.Adapter, error) {
		return plainAdapter{testutils.NewMockAdapter(10, 1000)}, nil
	})
	require.NoError(t, err)
	assert.True(t, a.Shutdown(time.Second))
}

func TestAppender_FactoryFailures(t *testing.T) {
	f := &factoryRecorder{fail: errors.New("no credentials")}
	_, err := New(makeTestConfig(), f.factory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")

	_, err = New(makeTestConfig(), nil)
	assert.Error(t, err)

	f = &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 2
	a := newAppender(t, cfg, f)

	f.mu.Lock()
	f.fail = errors.New("throttled by STS")
	f.mu.Unlock()

	for i := 0; i < 5; i++ {
		a.Enqueue("m")
	}
	require.True(t, a.Shutdown(5*time.Second))

	stamp := a.Statistics()
	assert.Equal(t, 5, stamp.MessagesSent, "a failed rotation keeps the current destination")
	assert.Contains(t, stamp.LastErrorMessage, "throttled by STS")
	assert.Len(t, f.all(), 1)
}

func TestAppender_InvalidConfig(t *testing.T) {
	f := &factoryRecorder{}

	cfg := makeTestConfig()
	cfg.Name = ""
	_, err := New(cfg, f.factory)
	assert.Error(t, err)

	cfg = makeTestConfig()
	cfg.Rotation = logging.RotationBytes
	_, err = New(cfg, f.factory)
	assert.Error(t, err)

	cfg = makeTestConfig()
	cfg.Writer.BatchDelay = 0
	_, err = New(cfg, f.factory)
	assert.Error(t, err)

	assert.Equal(t, 0, f.callCount())
}

func TestAppender_InitializationFailureIsObservable(t *testing.T) {
	f := &factoryRecorder{setup: func(m *testutils.MockAdapter) {
		m.EnsureReadyFunc = func(_ int, name string) (logging.DestinationState, error) {
			return logging.DestinationUnknown, errors.Errorf("log group %s does not exist", name)
		}
	}}
	a := newAppender(t, makeTestConfig(), f)

	require.Eventually(t, func() bool {
		return a.IsInitializationComplete() && a.State() == logging.WriterStopped
	}, 3*time.Second, 5*time.Millisecond)

	a.Enqueue("lost")
	stamp := a.Statistics()
	assert.Contains(t, stamp.LastErrorMessage, "app-logs")
	assert.Contains(t, stamp.LastErrorMessage, "does not exist")
	assert.Equal(t, 0, stamp.MessagesSent)
}

func TestAppender_StatisticsAggregateAcrossWriters(t *testing.T) {
	f := &factoryRecorder{setup: func(m *testutils.MockAdapter) {
		m.SendFunc = func(n int, b *logging.Batch) logging.SendOutcome {
			if n == 1 {
				return logging.Race(errors.New("stale token"))
			}
			return logging.Accepted()
		}
	}}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 10
	a := newAppender(t, cfg, f)

	for i := 0; i < 30; i++ {
		a.Enqueue("m")
	}
	require.True(t, a.Shutdown(5*time.Second))
	a.Enqueue("after shutdown")

	stamp := a.Statistics()
	assert.Equal(t, 30, stamp.MessagesSent)
	assert.Equal(t, 1, stamp.MessagesDiscarded)
	assert.Equal(t, 3, stamp.RaceRetries)
	assert.Equal(t, 0, stamp.UnrecoveredRaceRetries)
	assert.Equal(t, 0, a.CurrentStatistics().MessagesDiscarded)
	assert.Equal(t, 10, a.CurrentStatistics().MessagesSent)
}

func TestAppender_SetBatchDelayAppliesToLaterWriters(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 1
	a := newAppender(t, cfg, f)

	a.SetBatchDelay(50 * time.Millisecond)
	a.SetBatchDelay(0)
	a.Enqueue("one")
	a.Enqueue("two")

	a.mu.Lock()
	delay := a.current.BatchDelay()
	a.mu.Unlock()
	assert.Equal(t, 50*time.Millisecond, delay)
	assert.Equal(t, "app-logs-2", a.Destination())
}

func TestAppender_StatisticsReadableWhileProducerBlocks(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	f := &factoryRecorder{setup: func(m *testutils.MockAdapter) {
		m.SendFunc = func(_ int, _ *logging.Batch) logging.SendOutcome {
			<-release
			return logging.Accepted()
		}
	}}
	cfg := makeTestConfig()
	cfg.Writer.DiscardPolicy = logging.DiscardBlock
	cfg.Writer.DiscardThreshold = 1
	cfg.Writer.BlockTimeout = 2 * time.Second
	a := newAppender(t, cfg, f)
	t.Cleanup(unblock)

	a.Enqueue("in flight")
	require.Eventually(t, func() bool {
		adapters := f.all()
		return len(adapters) == 1 && adapters[0].SendCalls() == 1
	}, time.Second, 5*time.Millisecond)
	a.Enqueue("queued")

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		a.Enqueue("waiting for room")
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	stamp := a.Statistics()
	assert.True(t, a.IsInitializationComplete())
	assert.Equal(t, logging.WriterRunning, a.State())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, stamp.MessagesSent)

	unblock()
	<-blocked
	require.Eventually(t, func() bool {
		return len(f.all()[0].Delivered()) == 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.Statistics().MessagesDiscarded)
}

func TestAppender_RotationWaitsForProducersInFlight(t *testing.T) {
	f := &factoryRecorder{}
	cfg := makeTestConfig()
	cfg.Rotation = logging.RotationCount
	cfg.RotationThreshold = 2
	a := newAppender(t, cfg, f)

	a.mu.Lock()
	first := a.current
	// a producer still inside the first writer's Enqueue
	a.inflight[first]++
	a.mu.Unlock()

	a.Enqueue("one")
	a.Enqueue("two")
	a.Enqueue("three")
	assert.Equal(t, "app-logs-2", a.Destination())

	a.mu.Lock()
	assert.True(t, a.retiring[first])
	a.mu.Unlock()

	accepted := first.Enqueue("late")
	a.release(first, len("late"), accepted)
	assert.True(t, accepted)

	a.mu.Lock()
	assert.False(t, a.retiring[first])
	a.mu.Unlock()
	require.Eventually(t, func() bool {
		select {
		case <-first.Done():
			return true
		default:
			return false
		}
	}, 3*time.Second, 5*time.Millisecond)

	adapters := f.all()
	require.Len(t, adapters, 2)
	assert.Equal(t, []string{"one", "two", "late"}, adapters[0].Delivered())
	require.Eventually(t, func() bool {
		return len(adapters[1].Delivered()) == 1
	}, 3*time.Second, 5*time.Millisecond)
}
