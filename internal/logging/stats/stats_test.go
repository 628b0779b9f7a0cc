package stats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_BasicOperations(t *testing.T) {
	s := New()

	s.AddMessagesSent(10)
	s.AddMessagesDiscarded(2)
	s.IncRaceRetries()
	s.IncUnrecoveredRaceRetries()
	s.SetActualDestinationName("stream-1")

	result := s.GetStatisticsStamp()
	assert.Equal(t, 10, result.MessagesSent)
	assert.Equal(t, 1, result.BatchesSent)
	assert.Equal(t, 2, result.MessagesDiscarded)
	assert.Equal(t, 1, result.RaceRetries)
	assert.Equal(t, 1, result.UnrecoveredRaceRetries)
	assert.Equal(t, "stream-1", result.ActualDestinationName)
	assert.Empty(t, result.LastErrorMessage)
}

func TestStatistics_LastErrorIsReplacedNotCleared(t *testing.T) {
	s := New()
	s.SetLastError("first")
	s.SetLastError("second")
	s.AddMessagesSent(1)

	assert.Equal(t, "second", s.GetStatisticsStamp().LastErrorMessage)
	assert.False(t, s.GetStatisticsStamp().LastErrorAt.IsZero())
}

func TestStatistics_ConcurrentUpdates(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	inc := func(fn func()) {
		for i := 0; i < 1000; i++ {
			fn()
		}
		wg.Done()
	}

	wg.Add(4)
	go inc(func() { s.AddMessagesSent(1) })
	go inc(func() { s.AddMessagesDiscarded(1) })
	go inc(s.IncRaceRetries)
	go inc(func() { _ = s.GetStatisticsStamp() })
	wg.Wait()

	stamp := s.GetStatisticsStamp()
	assert.Equal(t, 1000, stamp.MessagesSent)
	assert.Equal(t, 1000, stamp.MessagesDiscarded)
	assert.Equal(t, 1000, stamp.RaceRetries)
}

func TestSnapshot_AddKeepsMostRecentError(t *testing.T) {
	now := time.Now()
	older := Snapshot{MessagesSent: 3, LastErrorMessage: "old", LastErrorAt: now.Add(-time.Minute), ActualDestinationName: "s-1"}
	newer := Snapshot{MessagesSent: 4, MessagesDiscarded: 1, LastErrorMessage: "new", LastErrorAt: now, ActualDestinationName: "s-2"}
	clean := Snapshot{MessagesSent: 1, ActualDestinationName: "s-3"}

	sum := Snapshot{}.Add(older).Add(newer).Add(clean)
	assert.Equal(t, 8, sum.MessagesSent)
	assert.Equal(t, 1, sum.MessagesDiscarded)
	assert.Equal(t, "new", sum.LastErrorMessage)
	assert.Equal(t, "s-3", sum.ActualDestinationName)

	sum = Snapshot{}.Add(newer).Add(older)
	assert.Equal(t, "new", sum.LastErrorMessage)
}

func TestCollector_ExportsSnapshot(t *testing.T) {
	s := New()
	s.AddMessagesSent(7)
	s.AddMessagesDiscarded(2)

	c := NewCollector("shipper", prometheus.Labels{"destination": "test"}, s.GetStatisticsStamp)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP shipper_writer_messages_sent_total Messages accepted by the destination
# TYPE shipper_writer_messages_sent_total counter
shipper_writer_messages_sent_total{destination="test"} 7
# HELP shipper_writer_messages_discarded_total Messages dropped by the queue or after unrecoverable errors
# TYPE shipper_writer_messages_discarded_total counter
shipper_writer_messages_discarded_total{destination="test"} 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"shipper_writer_messages_sent_total", "shipper_writer_messages_discarded_total")
	assert.NoError(t, err)
}
