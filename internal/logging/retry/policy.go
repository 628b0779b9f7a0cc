package retry

import (
	"math"
	"time"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

type Action uint32

const (
	// Resend the batch after Delay. After a partial rejection the writer has
	// already narrowed it to the rejected messages.
	ActionRetry Action = iota
	// Re-run EnsureReady once, then resend.
	ActionRecreate
	// Give up on the batch; its messages are discarded.
	ActionDrop
	// Stop the writer.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "RETRY"
	case ActionRecreate:
		return "RECREATE"
	case ActionDrop:
		return "DROP"
	case ActionAbort:
		return "ABORT"
	default:
		return "INVALID"
	}
}

type Decision struct {
	Action Action
	Delay  time.Duration
}

// Attempts tracks what happened to one batch across its send attempts.
type Attempts struct {
	Races      int
	Partials   int
	Recreated  bool
	Throttles  int
	InitErrors int
}

// Policy decides what the writer does after every non-accepted outcome. It is
// owned by a single writer goroutine.
type Policy struct {
	config  logging.RetryConfig
	current time.Duration
}

func NewPolicy(config logging.RetryConfig) *Policy {
	return &Policy{config: config, current: config.InitialDelay}
}

// Backoff returns the next exponential delay and advances it, capped at MaxDelay.
func (p *Policy) Backoff() time.Duration {
	d := p.current
	next := time.Duration(math.Round(float64(p.current) * p.config.Multiplier))
	if next > p.config.MaxDelay || next <= 0 {
		next = p.config.MaxDelay
	}
	p.current = next
	if d > p.config.MaxDelay {
		d = p.config.MaxDelay
	}
	return d
}

// Reset puts the backoff back at its initial delay. Called after every successful send.
func (p *Policy) Reset() {
	p.current = p.config.InitialDelay
}

// Current returns the delay the next Backoff call will return.
func (p *Policy) Current() time.Duration {
	return p.current
}

// Decide maps a non-accepted send outcome onto an action and updates a.
func (p *Policy) Decide(outcome logging.SendOutcome, a *Attempts) Decision {
	switch outcome.Kind {
	case logging.OutcomePartiallyRejected:
		a.Partials++
		if a.Partials <= p.config.PartialRetryLimit {
			return Decision{Action: ActionRetry}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff()}

	case logging.OutcomeThrottled:
		a.Throttles++
		return Decision{Action: ActionRetry, Delay: p.Backoff()}

	case logging.OutcomeRace:
		a.Races++
		if a.Races > p.config.RaceRetryLimit {
			return Decision{Action: ActionDrop}
		}
		return Decision{Action: ActionRetry, Delay: p.config.RaceDelay}

	case logging.OutcomeMissing:
		if !a.Recreated {
			a.Recreated = true
			return Decision{Action: ActionRecreate}
		}
		return Decision{Action: ActionAbort}

	default:
		return Decision{Action: ActionAbort}
	}
}

// DecideInit maps an EnsureReady failure onto an action. Retryable and race
// failures back off until InitRetryLimit attempts have failed.
func (p *Policy) DecideInit(class logging.ErrorClass, a *Attempts) Decision {
	a.InitErrors++
	switch class {
	case logging.ClassRetryable, logging.ClassRace:
		if a.InitErrors >= p.config.InitRetryLimit {
			return Decision{Action: ActionAbort}
		}
		if class == logging.ClassRace {
			return Decision{Action: ActionRetry, Delay: p.config.RaceDelay}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff()}
	default:
		return Decision{Action: ActionAbort}
	}
}
