package writer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/queue"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/retry"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/stats"
)

type Option func(*Writer)

func WithLogger(logger *logrus.Entry) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithPredecessor makes the writer hold its first send until done is closed.
// Used on rotation so the old destination is fully resolved first.
func WithPredecessor(done <-chan struct{}) Option {
	return func(w *Writer) {
		w.predecessor = done
	}
}

// Writer is the single consumer of one destination's queue.
type Writer struct {
	adapter     logging.Adapter
	name        string
	config      logging.WriterConfig
	constraints logging.Constraints
	limits      queue.Limits
	queue       *queue.Queue
	stats       *stats.Statistics
	policy      *retry.Policy
	logger      *logrus.Entry
	predecessor <-chan struct{}

	state      atomic.Uint32
	initDone   atomic.Bool
	batchDelay atomic.Int64
	batchCount atomic.Int64

	destMu sync.RWMutex
	dest   logging.Destination

	startOnce  sync.Once
	stopOnce   sync.Once
	stopCtx    context.Context
	stopCancel context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc
	done       chan struct{}
}

// New creates a writer for the named destination. The writer does nothing until Start.
func New(adapter logging.Adapter, name string, config logging.WriterConfig, opts ...Option) *Writer {
	constraints := adapter.Constraints()
	if constraints.MaxBatchCount <= 0 {
		constraints.MaxBatchCount = math.MaxInt32
	}
	if constraints.MaxBatchBytes <= 0 {
		constraints.MaxBatchBytes = math.MaxInt32
	}

	w := &Writer{
		adapter:     adapter,
		name:        name,
		config:      config,
		constraints: constraints,
		limits:      queue.LimitsFor(constraints),
		stats:       stats.New(),
		policy:      retry.NewPolicy(config.Retry),
		logger:      logrus.WithField("component", "writer"),
		dest:        logging.Destination{Name: name, State: logging.DestinationUnknown},
		done:        make(chan struct{}),
	}
	w.queue = queue.New(queue.Config{
		Capacity:     config.DiscardThreshold,
		Policy:       config.DiscardPolicy,
		BlockTimeout: config.BlockTimeout,
	}, w.stats.AddMessagesDiscarded)
	w.stopCtx, w.stopCancel = context.WithCancel(context.Background())
	w.hardCtx, w.hardCancel = context.WithCancel(context.Background())
	w.batchDelay.Store(int64(config.BatchDelay))

	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithField("destination", name)
	return w
}

func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.logger.WithField("config", w.config.String()).Debug("starting writer")
		go w.loop()
	})
}

// Enqueue hands a message to the writer's queue. Oversize messages are
// truncated or discarded depending on TruncateOversize.
func (w *Writer) Enqueue(message string) bool {
	if max := w.constraints.MaxMessageBytes; max > 0 && len(message) > max {
		if !w.config.TruncateOversize {
			w.stats.AddMessagesDiscarded(1)
			return false
		}
		message = truncate(message, max)
	}
	return w.queue.Enqueue(message)
}

// Retire tells the writer to stop once everything queued so far is resolved.
func (w *Writer) Retire() bool {
	return w.queue.Retire()
}

// Shutdown asks the writer to flush what is queued and stop. It reports whether
// the writer stopped within timeout.
func (w *Writer) Shutdown(timeout time.Duration) bool {
	w.stopOnce.Do(func() {
		w.logger.Debug("shutdown requested")
		w.queue.Close()
		w.stopCancel()
		time.AfterFunc(timeout, w.hardCancel)
	})
	// never started: nothing will be sent
	w.startOnce.Do(func() {
		go w.finish()
	})

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		w.logger.WithField("timeout", timeout).Warn("writer did not stop in time")
		return false
	}
}

// Done is closed once the writer has stopped and its queue is empty.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) State() logging.WriterState {
	return logging.WriterState(w.state.Load())
}

// IsInitializationComplete reports whether the writer has left Initializing at
// least once, either to Running or to Stopped.
func (w *Writer) IsInitializationComplete() bool {
	return w.initDone.Load()
}

func (w *Writer) Statistics() stats.Snapshot {
	return w.stats.GetStatisticsStamp()
}

func (w *Writer) SetBatchDelay(d time.Duration) {
	if d > 0 {
		w.batchDelay.Store(int64(d))
	}
}

func (w *Writer) BatchDelay() time.Duration {
	return time.Duration(w.batchDelay.Load())
}

// BatchCount returns the number of batches the destination accepted in full or in part.
func (w *Writer) BatchCount() int {
	return int(w.batchCount.Load())
}

func (w *Writer) Destination() logging.Destination {
	w.destMu.RLock()
	defer w.destMu.RUnlock()
	return w.dest
}

func (w *Writer) Name() string {
	return w.name
}

func (w *Writer) setState(s logging.WriterState) {
	if old := logging.WriterState(w.state.Swap(uint32(s))); old != s {
		w.logger.WithFields(logrus.Fields{"from": old, "state": s}).Info("writer state changed")
	}
}

func (w *Writer) setDestinationState(s logging.DestinationState) {
	w.destMu.Lock()
	defer w.destMu.Unlock()
	w.dest.State = s
	if s == logging.DestinationReady && w.dest.CreatedAt.IsZero() {
		w.dest.CreatedAt = time.Now()
	}
}

func (w *Writer) stopping() bool {
	return w.stopCtx.Err() != nil
}

// sleep waits for d and reports false if shutdown was requested meanwhile.
func (w *Writer) sleep(d time.Duration) bool {
	if d <= 0 {
		return !w.stopping()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopCtx.Done():
		return false
	}
}

func (w *Writer) attemptContext() (context.Context, context.CancelFunc) {
	if w.config.SendTimeout > 0 {
		return context.WithTimeout(context.Background(), w.config.SendTimeout)
	}
	return context.WithCancel(context.Background())
}

func (w *Writer) loop() {
	defer w.finish()
	defer func() {
		if r := recover(); r != nil {
			w.fail(errors.Errorf("writer for %s panicked: %v", w.name, r))
		}
	}()

	if !w.initialize() {
		return
	}

	if w.predecessor != nil {
		select {
		case <-w.predecessor:
		case <-w.hardCtx.Done():
			return
		}
	}

	for {
		if w.stopping() {
			w.drainOnShutdown()
			return
		}

		msgs, ctrl, err := w.collect()
		if len(msgs) > 0 {
			if !w.send(logging.NewBatch(msgs, w.constraints.PerMessageOverhead)) {
				return
			}
		}
		if ctrl == queue.ControlRetire {
			w.logger.Info("destination retired")
			return
		}
		if errors.Is(err, queue.ErrClosed) {
			return
		}
	}
}

// initialize runs EnsureReady until the destination is ready or the policy gives up.
func (w *Writer) initialize() bool {
	var attempts retry.Attempts
	for {
		state, err := w.ensureReady()
		if err == nil {
			w.setDestinationState(state)
			w.stats.SetActualDestinationName(w.name)
			w.initDone.Store(true)
			w.setState(logging.WriterRunning)
			return true
		}

		class := logging.ClassRetryable
		if state == logging.DestinationUnknown {
			class = w.adapter.Classify(err)
		}
		d := w.policy.DecideInit(class, &attempts)
		if d.Action == retry.ActionAbort {
			w.fail(errors.Wrapf(err, "unable to initialize destination %s", w.name))
			return false
		}

		w.logger.WithFields(logrus.Fields{
			"attempt": attempts.InitErrors,
			"delay":   d.Delay,
			"error":   err,
		}).Warn("destination not ready, retrying")
		if !w.sleep(d.Delay) {
			return false
		}
	}
}

func (w *Writer) ensureReady() (state logging.DestinationState, err error) {
	ctx, cancel := w.attemptContext()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			state, err = logging.DestinationUnknown, errors.Errorf("adapter panicked: %v", r)
		}
	}()

	state, err = w.adapter.EnsureReady(ctx, w.name)
	if err == nil && state != logging.DestinationReady {
		// not an adapter error, always retried
		return state, errors.Errorf("destination %s is %s", w.name, state)
	}
	if err != nil {
		state = logging.DestinationUnknown
	}
	return state, err
}

// collect waits for the first message, then keeps draining until the batch is
// full or the batch delay has passed since the first drain returned.
func (w *Writer) collect() ([]logging.Message, queue.Control, error) {
	delay := w.BatchDelay()
	msgs, ctrl, err := w.queue.Drain(w.stopCtx, w.limits, delay)
	if err != nil || ctrl != queue.ControlNone || len(msgs) == 0 {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return msgs, ctrl, err
	}

	deadline := time.Now().Add(delay)
	bytes := 0
	for _, m := range msgs {
		bytes += w.constraints.MessageSize(m.Payload)
	}

	for len(msgs) < w.limits.MaxCount && bytes < w.limits.MaxBytes {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		limits := w.limits
		limits.MaxCount -= len(msgs)
		limits.MaxBytes -= bytes
		more, ctrl, err := w.queue.Drain(w.stopCtx, limits, remaining)
		for _, m := range more {
			bytes += w.constraints.MessageSize(m.Payload)
		}
		msgs = append(msgs, more...)

		if errors.Is(err, context.Canceled) {
			return msgs, queue.ControlNone, nil
		}
		if err != nil || ctrl != queue.ControlNone {
			return msgs, ctrl, err
		}
		if len(more) == 0 {
			break
		}
	}
	return msgs, queue.ControlNone, nil
}

// drainOnShutdown sends what is still queued until the queue is empty or the
// shutdown deadline passes.
func (w *Writer) drainOnShutdown() {
	for w.hardCtx.Err() == nil {
		msgs, _, _ := w.queue.DrainNow(w.limits)
		if len(msgs) == 0 {
			return
		}
		if !w.send(logging.NewBatch(msgs, w.constraints.PerMessageOverhead)) {
			return
		}
	}
}

// send delivers b following the retry policy. Retries continue after shutdown
// was requested, until the shutdown deadline. It returns false when the writer
// must stop.
func (w *Writer) send(b *logging.Batch) bool {
	var attempts retry.Attempts
	for {
		outcome := w.attempt(b)

		if outcome.Kind == logging.OutcomeAccepted {
			w.delivered(b.Len(), b.TotalBytes)
			w.policy.Reset()
			return true
		}
		if outcome.Kind == logging.OutcomePartiallyRejected {
			var done bool
			if b, done = w.narrow(b, outcome); done {
				w.policy.Reset()
				return true
			}
		}

		d := w.policy.Decide(outcome, &attempts)
		log := w.logger.WithFields(logrus.Fields{
			"batch_size": b.Len(),
			"attempt":    b.Attempt,
			"delay":      d.Delay,
			"error":      outcome,
		})

		switch d.Action {
		case retry.ActionRetry:
			if outcome.Kind == logging.OutcomeRace {
				w.stats.IncRaceRetries()
			}
			log.Debug("retrying batch")
			b.Attempt++
			if !w.backoff(d.Delay) {
				w.abandon(b, "shutdown deadline passed", outcome)
				return true
			}

		case retry.ActionDrop:
			w.stats.AddMessagesDiscarded(b.Len())
			w.stats.SetLastError(fmt.Sprintf("dropped %d messages for %s after %d race retries: %v",
				b.Len(), w.name, attempts.Races-1, outcome.Err))
			w.stats.IncUnrecoveredRaceRetries()
			log.Error("race retries exhausted, batch dropped")
			return true

		case retry.ActionRecreate:
			w.stats.SetLastError(fmt.Sprintf("destination %s missing: %v", w.name, outcome.Err))
			log.Warn("destination missing, recreating")
			if w.recreate() {
				continue
			}
			if !w.heal(b, outcome) {
				return false
			}
			attempts = retry.Attempts{}

		default:
			if outcome.Kind == logging.OutcomeMissing {
				if !w.heal(b, outcome) {
					return false
				}
				attempts = retry.Attempts{}
				continue
			}
			w.stats.AddMessagesDiscarded(b.Len())
			w.fail(errors.Wrapf(outcome.Err, "fatal error sending to %s", w.name))
			return false
		}
	}
}

// narrow counts the accepted part of a partially rejected batch and returns
// the rejected rest. done is true when nothing was actually rejected.
func (w *Writer) narrow(b *logging.Batch, outcome logging.SendOutcome) (*logging.Batch, bool) {
	rejected := b.Subset(outcome.Rejected, w.constraints.PerMessageOverhead)
	if rejected.Len() == 0 {
		w.delivered(b.Len(), b.TotalBytes)
		return rejected, true
	}
	if n := b.Len() - rejected.Len(); n > 0 {
		w.delivered(n, b.TotalBytes-rejected.TotalBytes)
	}
	return rejected, false
}

// backoff waits d before a retry. A shutdown request cuts the current wait
// short so the flush starts right away; waits during shutdown only end early
// at the shutdown deadline, in which case backoff returns false.
func (w *Writer) backoff(d time.Duration) bool {
	if w.hardCtx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}

	var stop <-chan struct{}
	if !w.stopping() {
		stop = w.stopCtx.Done()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-w.hardCtx.Done():
		return false
	}
	return true
}

// abandon discards b when shutdown leaves no further attempt for it.
func (w *Writer) abandon(b *logging.Batch, reason string, outcome logging.SendOutcome) {
	w.stats.AddMessagesDiscarded(b.Len())
	w.stats.SetLastError(fmt.Sprintf("%s, dropped %d messages for %s: %v",
		reason, b.Len(), w.name, outcome.Err))
	w.logger.WithFields(logrus.Fields{"batch_size": b.Len(), "error": outcome}).Warn("discarding batch on shutdown")
}

// finalAttempt sends b once and discards whatever is not accepted.
func (w *Writer) finalAttempt(b *logging.Batch) {
	outcome := w.attempt(b)
	switch outcome.Kind {
	case logging.OutcomeAccepted:
		w.delivered(b.Len(), b.TotalBytes)
		return
	case logging.OutcomePartiallyRejected:
		var done bool
		if b, done = w.narrow(b, outcome); done {
			return
		}
	}
	w.abandon(b, "final send on shutdown failed", outcome)
}

// heal handles a destination that could not be recreated in one attempt.
// With AutoRecreate the writer goes back to initializing and keeps b. A
// shutdown during re-initialization leaves b one final attempt.
func (w *Writer) heal(b *logging.Batch, outcome logging.SendOutcome) bool {
	if w.config.AutoRecreate {
		w.setState(logging.WriterInitializing)
		if w.initialize() {
			return true
		}
		if w.State() != logging.WriterStopped {
			w.finalAttempt(b)
			return false
		}
		w.stats.AddMessagesDiscarded(b.Len())
		return false
	}

	w.stats.AddMessagesDiscarded(b.Len())
	w.fail(errors.Errorf("destination %s does not exist and could not be recreated: %v", w.name, outcome.Err))
	return false
}

func (w *Writer) recreate() bool {
	w.setDestinationState(logging.DestinationMissing)
	state, err := w.ensureReady()
	if err != nil {
		w.logger.WithError(err).Warn("recreating destination failed")
		return false
	}
	w.setDestinationState(state)
	return true
}

func (w *Writer) attempt(b *logging.Batch) (outcome logging.SendOutcome) {
	ctx, cancel := w.attemptContext()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			outcome = logging.Fatal(errors.Errorf("adapter panicked: %v", r))
		}
	}()
	return w.adapter.Send(ctx, b)
}

func (w *Writer) delivered(n, bytes int) {
	w.stats.AddMessagesSent(n)
	w.batchCount.Add(1)

	w.destMu.Lock()
	w.dest.MessagesSinceRotation += n
	w.dest.BytesSinceRotation += bytes
	w.destMu.Unlock()
}

// fail records err and stops the writer. Queued and future messages are discarded.
func (w *Writer) fail(err error) {
	w.stats.SetLastError(err.Error())
	w.logger.WithError(err).Error("writer stopped")
	w.queue.Close()
	w.queue.Discard()
	w.initDone.Store(true)
	w.setState(logging.WriterStopped)
}

func (w *Writer) finish() {
	w.queue.Close()
	if n := w.queue.Discard(); n > 0 {
		w.logger.WithField("batch_size", n).Warn("discarded unsent messages")
	}
	w.initDone.Store(true)
	w.setState(logging.WriterStopped)
	w.hardCancel()
	w.stopCancel()
	close(w.done)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
