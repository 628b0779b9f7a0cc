package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

// ErrClosed is reported by Drain once a closed queue has been emptied.
var ErrClosed = errors.New("queue closed")

// Control is an in-band command carried between data entries.
type Control uint32

const (
	ControlNone Control = iota
	// ControlRetire marks the end of the stream for the current destination.
	ControlRetire
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "NONE"
	case ControlRetire:
		return "RETIRE"
	default:
		return "INVALID"
	}
}

// Limits bound a single drain.
type Limits struct {
	MaxCount int
	MaxBytes int
	Overhead int
	// MaxEntryBytes is the largest message, overhead included, that can ever be
	// sent. Larger messages are dropped when they reach the head of the queue.
	MaxEntryBytes int
}

// LimitsFor derives drain limits from adapter constraints.
func LimitsFor(c logging.Constraints) Limits {
	return Limits{
		MaxCount:      c.MaxBatchCount,
		MaxBytes:      c.MaxBatchBytes,
		Overhead:      c.PerMessageOverhead,
		MaxEntryBytes: c.MaxBatchBytes,
	}
}

type Config struct {
	Capacity     int
	Policy       logging.DiscardPolicy
	BlockTimeout time.Duration
}

type entry struct {
	msg  logging.Message
	ctrl Control
}

// Queue is a bounded FIFO shared by all producers of one writer.
type Queue struct {
	config Config

	mu      sync.Mutex
	entries []entry
	data    int
	seq     uint64
	retired bool
	closed  bool

	notEmpty  chan struct{}
	notFull   chan struct{}
	onDiscard func(n int)
	now       func() time.Time
}

// New creates a queue. onDiscard, if not nil, is called for every rejected or
// evicted message.
func New(config Config, onDiscard func(n int)) *Queue {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	if onDiscard == nil {
		onDiscard = func(int) {}
	}
	return &Queue{
		config:    config,
		entries:   make([]entry, 0, min(config.Capacity, 1024)),
		notEmpty:  make(chan struct{}, 1),
		notFull:   make(chan struct{}, 1),
		onDiscard: onDiscard,
		now:       time.Now,
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Enqueue adds a message, applying the discard policy when the queue is full.
// It reports whether the message was accepted.
func (q *Queue) Enqueue(payload string) bool {
	var deadline *time.Timer

	q.mu.Lock()
	for {
		if q.closed || q.retired {
			q.mu.Unlock()
			q.onDiscard(1)
			if deadline != nil {
				signal(q.notFull)
			}
			return false
		}
		if q.data < q.config.Capacity {
			break
		}

		switch q.config.Policy {
		case logging.DiscardNewest:
			q.mu.Unlock()
			q.onDiscard(1)
			return false

		case logging.DiscardBlock:
			q.mu.Unlock()
			if deadline == nil {
				deadline = time.NewTimer(q.config.BlockTimeout)
				defer deadline.Stop()
			}
			select {
			case <-q.notFull:
			case <-deadline.C:
				q.onDiscard(1)
				return false
			}
			q.mu.Lock()

		default:
			// only data entries can be at the head while the queue accepts writes
			q.entries = q.entries[1:]
			q.data--
			q.onDiscard(1)
		}
	}

	q.seq++
	q.entries = append(q.entries, entry{msg: logging.Message{
		Sequence:   q.seq,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}})
	q.data++
	hasRoom := q.data < q.config.Capacity
	q.mu.Unlock()

	signal(q.notEmpty)
	if hasRoom && q.config.Policy == logging.DiscardBlock {
		// pass the wakeup on to the next blocked producer
		signal(q.notFull)
	}
	return true
}

// Retire appends a retire control entry. Messages enqueued afterwards are
// rejected, so the control is always the last entry.
func (q *Queue) Retire() bool {
	q.mu.Lock()
	if q.closed || q.retired {
		q.mu.Unlock()
		return false
	}
	q.retired = true
	q.entries = append(q.entries, entry{ctrl: ControlRetire})
	q.mu.Unlock()

	signal(q.notEmpty)
	signal(q.notFull)
	return true
}

// Close rejects all further enqueues. Entries already queued stay drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	signal(q.notEmpty)
	signal(q.notFull)
}

// Drain waits until at least one entry is available or maxWait elapses, then
// returns as many messages as fit in limits. It returns immediately, possibly
// with no messages, when entries are queued but the next one does not fit. A
// control entry is returned on its own, never together with messages, so a
// batch never spans it.
func (q *Queue) Drain(ctx context.Context, limits Limits, maxWait time.Duration) ([]logging.Message, Control, error) {
	var timer *time.Timer
	for {
		msgs, ctrl, ok, err := q.take(limits)
		if ok || err != nil {
			if timer != nil {
				timer.Stop()
			}
			return msgs, ctrl, err
		}
		if maxWait <= 0 {
			return nil, ControlNone, nil
		}
		if timer == nil {
			timer = time.NewTimer(maxWait)
		}

		select {
		case <-q.notEmpty:
		case <-timer.C:
			msgs, ctrl, _, err := q.take(limits)
			return msgs, ctrl, err
		case <-ctx.Done():
			timer.Stop()
			return nil, ControlNone, ctx.Err()
		}
	}
}

// DrainNow is Drain without waiting.
func (q *Queue) DrainNow(limits Limits) ([]logging.Message, Control, error) {
	msgs, ctrl, _, err := q.take(limits)
	return msgs, ctrl, err
}

func (q *Queue) take(limits Limits) ([]logging.Message, Control, bool, error) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ControlNone, false, ErrClosed
		}
		return nil, ControlNone, false, nil
	}

	if q.entries[0].ctrl != ControlNone {
		ctrl := q.entries[0].ctrl
		q.entries = q.entries[1:]
		q.mu.Unlock()
		return nil, ctrl, true, nil
	}

	var (
		msgs    []logging.Message
		bytes   int
		dropped int
		n       int
	)
	for n < len(q.entries) {
		e := q.entries[n]
		if e.ctrl != ControlNone {
			break
		}
		if limits.MaxCount > 0 && len(msgs) >= limits.MaxCount {
			break
		}
		size := len(e.msg.Payload) + limits.Overhead
		if limits.MaxEntryBytes > 0 && size > limits.MaxEntryBytes {
			// can never be sent
			dropped++
			n++
			continue
		}
		if limits.MaxBytes > 0 && bytes+size > limits.MaxBytes {
			break
		}
		msgs = append(msgs, e.msg)
		bytes += size
		n++
	}
	q.entries = q.entries[n:]
	q.data -= n
	remaining := len(q.entries)
	q.mu.Unlock()

	if dropped > 0 {
		q.onDiscard(dropped)
	}
	if remaining > 0 {
		signal(q.notEmpty)
	}
	signal(q.notFull)
	return msgs, ControlNone, true, nil
}

// Discard removes every queued message and reports how many were dropped. A
// pending control entry is kept.
func (q *Queue) Discard() int {
	q.mu.Lock()
	n := q.data
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.ctrl != ControlNone {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.data = 0
	q.mu.Unlock()

	if n > 0 {
		q.onDiscard(n)
	}
	signal(q.notFull)
	return n
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.data
}

// Retired reports whether a retire control has been enqueued.
func (q *Queue) Retired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retired
}
