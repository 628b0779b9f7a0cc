package logging

import (
	"context"
	"time"
)

// LogEntry is a record read by a source before it is rendered into a message string.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	File      string
	Labels    map[string]string
}

// Constraints are the per-request limits a destination service imposes.
type Constraints struct {
	MaxBatchCount      int
	MaxBatchBytes      int
	MaxMessageBytes    int
	PerMessageOverhead int
}

// MessageSize is the number of bytes a payload counts against the batch budget.
func (c Constraints) MessageSize(payload string) int {
	return len(payload) + c.PerMessageOverhead
}

// Adapter maps the engine's batches onto one remote service.
type Adapter interface {
	Constraints() Constraints

	// EnsureReady checks that the named destination exists, creating it when the
	// adapter is configured to. Losing a creation race to another writer is success.
	EnsureReady(ctx context.Context, name string) (DestinationState, error)

	Send(ctx context.Context, batch *Batch) SendOutcome

	Classify(err error) ErrorClass
}

// RotationNamer is implemented by adapters whose destinations rotate by name.
type RotationNamer interface {
	RotatedName(base string, sequence int) string
}

// Sink receives rendered messages. The appender is the production implementation.
type Sink interface {
	Enqueue(message string)
}
