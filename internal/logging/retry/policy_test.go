package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

func testConfig() logging.RetryConfig {
	return logging.RetryConfig{
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          80 * time.Millisecond,
		Multiplier:        2,
		RaceDelay:         5 * time.Millisecond,
		RaceRetryLimit:    2,
		PartialRetryLimit: 1,
		InitRetryLimit:    3,
	}
}

func TestPolicy_ExponentialBackoffIsCapped(t *testing.T) {
	p := NewPolicy(testConfig())

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, p.Backoff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}, got)

	p.Reset()
	assert.Equal(t, 10*time.Millisecond, p.Backoff())
}

func TestPolicy_RaceUsesFixedDelayThenDrops(t *testing.T) {
	p := NewPolicy(testConfig())
	a := &Attempts{}
	race := logging.Race(errors.New("stale token"))

	for i := 0; i < 2; i++ {
		d := p.Decide(race, a)
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, 5*time.Millisecond, d.Delay)
	}
	assert.Equal(t, ActionDrop, p.Decide(race, a).Action)
	// races do not grow the exponential delay
	assert.Equal(t, 10*time.Millisecond, p.Current())
}

func TestPolicy_PartialRejectionImmediateThenBackoff(t *testing.T) {
	p := NewPolicy(testConfig())
	a := &Attempts{}
	partial := logging.PartiallyRejected([]int{1}, nil)

	d := p.Decide(partial, a)
	assert.Equal(t, Decision{Action: ActionRetry}, d)

	d = p.Decide(partial, a)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 10*time.Millisecond, d.Delay)
}

func TestPolicy_MissingRecreatesOnce(t *testing.T) {
	p := NewPolicy(testConfig())
	a := &Attempts{}
	missing := logging.Missing(logging.ErrDestinationMissing)

	assert.Equal(t, ActionRecreate, p.Decide(missing, a).Action)
	assert.Equal(t, ActionAbort, p.Decide(missing, a).Action)
}

func TestPolicy_ThrottledAndFatal(t *testing.T) {
	p := NewPolicy(testConfig())
	a := &Attempts{}

	d := p.Decide(logging.Throttled(errors.New("slow down")), a)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 10*time.Millisecond, d.Delay)
	assert.Equal(t, 1, a.Throttles)

	assert.Equal(t, ActionAbort, p.Decide(logging.Fatal(errors.New("denied")), a).Action)
}

func TestPolicy_DecideInitIsBounded(t *testing.T) {
	p := NewPolicy(testConfig())
	a := &Attempts{}

	assert.Equal(t, ActionRetry, p.DecideInit(logging.ClassRetryable, a).Action)
	d := p.DecideInit(logging.ClassRace, a)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 5*time.Millisecond, d.Delay)
	assert.Equal(t, ActionAbort, p.DecideInit(logging.ClassRetryable, a).Action)

	assert.Equal(t, ActionAbort, p.DecideInit(logging.ClassFatal, &Attempts{}).Action)
	assert.Equal(t, ActionAbort, p.DecideInit(logging.ClassMissing, &Attempts{}).Action)
}
