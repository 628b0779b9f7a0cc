package logging

import (
	"fmt"
	"time"
)

// Message is a single log record. Sequence is assigned by the queue at enqueue time.
type Message struct {
	Sequence   uint64
	Payload    string
	EnqueuedAt time.Time
}

// Batch is a group of messages sent in one request. It is owned by one writer.
type Batch struct {
	Messages   []Message
	TotalBytes int
	// Token is adapter continuation state, e.g. a sequence token, recorded at send time.
	Token   string
	Attempt int
}

// NewBatch builds a batch, computing its byte size with the given per-message overhead.
func NewBatch(messages []Message, overhead int) *Batch {
	b := &Batch{Messages: messages}
	for _, m := range messages {
		b.TotalBytes += len(m.Payload) + overhead
	}
	return b
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch<Messages: %d, Bytes: %d, Attempt: %d>", len(b.Messages), b.TotalBytes, b.Attempt)
}

// Len returns the number of messages in the batch.
func (b *Batch) Len() int {
	return len(b.Messages)
}

// Payloads returns the message payloads in batch order.
func (b *Batch) Payloads() []string {
	out := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		out[i] = m.Payload
	}
	return out
}

// Subset derives a batch holding only the messages at the given indices, in
// their original order. Out-of-range and duplicate indices are ignored.
func (b *Batch) Subset(indices []int, overhead int) *Batch {
	keep := make([]bool, len(b.Messages))
	for _, i := range indices {
		if i >= 0 && i < len(b.Messages) {
			keep[i] = true
		}
	}

	msgs := make([]Message, 0, len(indices))
	for i, m := range b.Messages {
		if keep[i] {
			msgs = append(msgs, m)
		}
	}

	sub := NewBatch(msgs, overhead)
	sub.Token = b.Token
	sub.Attempt = b.Attempt
	return sub
}
