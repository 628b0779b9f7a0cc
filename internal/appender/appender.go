package appender

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/stats"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/writer"
	"github.com/Chichichkin/CloudLogShipper/internal/substitution"
)

var ErrStopped = errors.New("appender is stopped")

// AdapterFactory returns a ready-to-use adapter. It is called once per writer,
// so every destination incarnation gets its own client state.
type AdapterFactory func(ctx context.Context) (logging.Adapter, error)

type Config struct {
	// Name is the destination name template, see substitution.Substitutor.
	Name     string
	Rotation logging.RotationMode
	// RotationThreshold is a message count or a byte count, depending on Rotation.
	RotationThreshold int
	RotationInterval  time.Duration
	Writer            logging.WriterConfig
	// FactoryTimeout bounds one AdapterFactory call.
	FactoryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rotation:       logging.RotationNone,
		Writer:         logging.DefaultWriterConfig(),
		FactoryTimeout: 30 * time.Second,
	}
}

// Validate returns an error pointing to incorrect values, if any.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("destination name must not be empty")
	}
	switch c.Rotation {
	case logging.RotationCount, logging.RotationBytes:
		if c.RotationThreshold <= 0 {
			return errors.Errorf("rotation by %s needs a positive threshold", c.Rotation)
		}
	case logging.RotationInterval:
		if c.RotationInterval <= 0 {
			return errors.New("rotation by interval needs a positive interval")
		}
	}
	return errors.Wrap(c.Writer.Validate(), "invalid writer config")
}

type Option func(*Appender)

func WithLogger(logger *logrus.Entry) Option {
	return func(a *Appender) {
		a.logger = logger
	}
}

func WithSubstitutor(s *substitution.Substitutor) Option {
	return func(a *Appender) {
		a.subst = s
	}
}

// Appender is the producer-facing side of the engine. It owns the active
// writer and swaps it for a new one when a rotation threshold is reached.
type Appender struct {
	config  Config
	factory AdapterFactory
	subst   *substitution.Substitutor
	logger  *logrus.Entry
	// stats holds what happens outside any writer: factory failures and
	// messages arriving after shutdown.
	stats *stats.Statistics
	now   func() time.Time

	mu       sync.Mutex
	current  *writer.Writer
	retired  []*writer.Writer
	inflight map[*writer.Writer]int
	// writers replaced while producers were still inside their Enqueue;
	// they are retired once the last of those returns
	retiring   map[*writer.Writer]bool
	finished   stats.Snapshot
	sequence   int
	msgsSince  int
	bytesSince int
	rotatedAt  time.Time
	batchDelay time.Duration
	stopped    bool
}

// New validates config, builds the first writer and starts it.
func New(config Config, factory AdapterFactory, opts ...Option) (*Appender, error) {
	if factory == nil {
		return nil, errors.New("adapter factory is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Appender{
		config:     config,
		factory:    factory,
		logger:     logrus.WithField("component", "appender"),
		stats:      stats.New(),
		now:        time.Now,
		sequence:   1,
		batchDelay: config.Writer.BatchDelay,
		inflight:   make(map[*writer.Writer]int),
		retiring:   make(map[*writer.Writer]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.subst == nil {
		a.subst = substitution.New()
	}

	w, err := a.newWriter(a.sequence, nil)
	if err != nil {
		return nil, err
	}
	a.current = w
	a.rotatedAt = a.now()
	w.Start()
	return a, nil
}

func (a *Appender) newWriter(sequence int, predecessor <-chan struct{}) (*writer.Writer, error) {
	ctx := context.Background()
	if a.config.FactoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.FactoryTimeout)
		defer cancel()
	}

	adapter, err := a.factory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create destination adapter")
	}

	base := a.subst.Resolve(a.config.Name)
	name := substitution.WithSequence(base, sequence)
	if a.config.Rotation != logging.RotationNone {
		namer, ok := adapter.(logging.RotationNamer)
		if !ok {
			return nil, errors.Errorf("destination %s does not support rotation by %s", base, a.config.Rotation)
		}
		name = namer.RotatedName(base, sequence)
	}

	cfg := a.config.Writer
	cfg.BatchDelay = a.batchDelay
	opts := []writer.Option{
		writer.WithLogger(a.logger.WithFields(logrus.Fields{"component": "writer", "sequence": sequence})),
	}
	if predecessor != nil {
		opts = append(opts, writer.WithPredecessor(predecessor))
	}
	return writer.New(adapter, name, cfg, opts...), nil
}

// Enqueue never fails towards the caller. Rejected messages show up in the
// discarded counter. The appender lock is not held while the writer's queue
// blocks, so statistics stay readable.
func (a *Appender) Enqueue(message string) {
	w := a.reserve(len(message))
	if w == nil {
		return
	}
	accepted := w.Enqueue(message)
	a.release(w, len(message), accepted)
}

// reserve picks the writer for a message of size bytes, rotating first when
// due, and counts the message against it.
func (a *Appender) reserve(size int) *writer.Writer {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		a.stats.AddMessagesDiscarded(1)
		return nil
	}
	if a.rotationDueLocked(size) {
		a.rotateLocked()
	}
	a.msgsSince++
	a.bytesSince += size
	a.inflight[a.current]++
	return a.current
}

func (a *Appender) release(w *writer.Writer, size int, accepted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !accepted && w == a.current {
		a.msgsSince--
		a.bytesSince -= size
	}
	a.inflight[w]--
	if a.inflight[w] > 0 {
		return
	}
	delete(a.inflight, w)
	if a.retiring[w] {
		delete(a.retiring, w)
		w.Retire()
	}
}

func (a *Appender) rotationDueLocked(size int) bool {
	switch a.config.Rotation {
	case logging.RotationCount:
		return a.msgsSince >= a.config.RotationThreshold
	case logging.RotationBytes:
		return a.bytesSince > 0 && a.bytesSince+size > a.config.RotationThreshold
	case logging.RotationInterval:
		return a.now().Sub(a.rotatedAt) >= a.config.RotationInterval
	}
	return false
}

// rotateLocked retires the current writer behind everything already queued,
// or behind the producers still enqueueing into it, and starts its successor,
// which holds its first send until the old one is done.
func (a *Appender) rotateLocked() error {
	old := a.current
	next, err := a.newWriter(a.sequence+1, old.Done())
	if err != nil {
		a.stats.SetLastError(err.Error())
		a.logger.WithError(err).Error("rotation failed, keeping current destination")
		return err
	}

	a.sequence++
	if a.inflight[old] > 0 {
		a.retiring[old] = true
	} else {
		old.Retire()
	}
	a.retired = append(a.retired, old)
	a.current = next
	a.msgsSince, a.bytesSince = 0, 0
	a.rotatedAt = a.now()
	next.Start()

	a.logger.WithFields(logrus.Fields{"from": old.Name(), "destination": next.Name()}).Info("destination rotated")
	return nil
}

// Rotate retires the current destination on demand.
func (a *Appender) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	return a.rotateLocked()
}

// pruneLocked folds the counters of finished retired writers into a.finished.
func (a *Appender) pruneLocked() {
	live := a.retired[:0]
	for _, w := range a.retired {
		select {
		case <-w.Done():
			a.finished = a.finished.Add(w.Statistics())
		default:
			live = append(live, w)
		}
	}
	for i := len(live); i < len(a.retired); i++ {
		a.retired[i] = nil
	}
	a.retired = live
}

// Statistics aggregates every writer incarnation. Counters are summed; the
// destination name is the current one once it has initialized.
func (a *Appender) Statistics() stats.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	s := a.stats.GetStatisticsStamp().Add(a.finished)
	for _, w := range a.retired {
		s = s.Add(w.Statistics())
	}
	return s.Add(a.current.Statistics())
}

// CurrentStatistics returns the counters of the active writer only.
func (a *Appender) CurrentStatistics() stats.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.Statistics()
}

func (a *Appender) IsInitializationComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.IsInitializationComplete()
}

func (a *Appender) State() logging.WriterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.State()
}

// Destination returns the name the active writer sends to.
func (a *Appender) Destination() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.Name()
}

// BatchCount returns the number of batches accepted by the active writer.
func (a *Appender) BatchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.BatchCount()
}

// SetBatchDelay applies to the active writer and every later one.
func (a *Appender) SetBatchDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batchDelay = d
	a.current.SetBatchDelay(d)
}

// Shutdown stops every writer, flushing what they hold. It reports whether all
// of them stopped within timeout.
func (a *Appender) Shutdown(timeout time.Duration) bool {
	a.mu.Lock()
	a.stopped = true
	writers := append([]*writer.Writer{a.current}, a.retired...)
	a.mu.Unlock()

	var (
		wg    sync.WaitGroup
		clean = true
		mu    sync.Mutex
	)
	for _, w := range writers {
		wg.Add(1)
		go func(w *writer.Writer) {
			defer wg.Done()
			if !w.Shutdown(timeout) {
				mu.Lock()
				clean = false
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	a.logger.WithField("clean", clean).Info("appender stopped")
	return clean
}
