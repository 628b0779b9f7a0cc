package logging

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrDestinationMissing is returned by adapters when a destination that was
// ready has disappeared.
var ErrDestinationMissing = errors.New("destination missing")

type DestinationState uint32

const (
	DestinationUnknown DestinationState = iota
	DestinationCreating
	DestinationReady
	DestinationMissing
	DestinationDeleted
)

func (s DestinationState) String() string {
	switch s {
	case DestinationUnknown:
		return "UNKNOWN"
	case DestinationCreating:
		return "CREATING"
	case DestinationReady:
		return "READY"
	case DestinationMissing:
		return "MISSING"
	case DestinationDeleted:
		return "DELETED"
	default:
		return "INVALID"
	}
}

// Destination is the remote identity a writer sends to, plus its rotation counters.
type Destination struct {
	Name                  string
	State                 DestinationState
	MessagesSinceRotation int
	BytesSinceRotation    int
	CreatedAt             time.Time
}

type WriterState uint32

const (
	WriterInitializing WriterState = iota
	WriterRunning
	WriterStopped
)

func (s WriterState) String() string {
	switch s {
	case WriterInitializing:
		return "INITIALIZING"
	case WriterRunning:
		return "RUNNING"
	case WriterStopped:
		return "STOPPED"
	default:
		return "INVALID"
	}
}

type OutcomeKind uint32

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomePartiallyRejected
	// OutcomeThrottled covers throttling and any other transient service failure.
	OutcomeThrottled
	OutcomeRace
	OutcomeMissing
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomePartiallyRejected:
		return "PARTIALLY_REJECTED"
	case OutcomeThrottled:
		return "THROTTLED"
	case OutcomeRace:
		return "RACE"
	case OutcomeMissing:
		return "MISSING"
	case OutcomeFatal:
		return "FATAL"
	default:
		return "INVALID"
	}
}

// SendOutcome is the result of one send attempt. Rejected holds batch indices
// for OutcomePartiallyRejected.
type SendOutcome struct {
	Kind     OutcomeKind
	Rejected []int
	Err      error
}

func (o SendOutcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	return o.Kind.String()
}

func Accepted() SendOutcome {
	return SendOutcome{Kind: OutcomeAccepted}
}

func PartiallyRejected(rejected []int, err error) SendOutcome {
	return SendOutcome{Kind: OutcomePartiallyRejected, Rejected: rejected, Err: err}
}

func Throttled(err error) SendOutcome {
	return SendOutcome{Kind: OutcomeThrottled, Err: err}
}

func Race(err error) SendOutcome {
	return SendOutcome{Kind: OutcomeRace, Err: err}
}

func Missing(err error) SendOutcome {
	return SendOutcome{Kind: OutcomeMissing, Err: err}
}

func Fatal(err error) SendOutcome {
	return SendOutcome{Kind: OutcomeFatal, Err: err}
}

// OutcomeFor maps a classified send error onto the matching outcome.
func OutcomeFor(class ErrorClass, err error) SendOutcome {
	switch class {
	case ClassRetryable:
		return Throttled(err)
	case ClassRace:
		return Race(err)
	case ClassMissing:
		return Missing(err)
	default:
		return Fatal(err)
	}
}

type ErrorClass uint32

const (
	ClassRetryable ErrorClass = iota
	ClassRace
	ClassMissing
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "RETRYABLE"
	case ClassRace:
		return "RACE"
	case ClassMissing:
		return "MISSING"
	case ClassFatal:
		return "FATAL"
	default:
		return "INVALID"
	}
}
