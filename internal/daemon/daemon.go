package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

// Formatter renders a tailed entry into the message handed to the sink.
type Formatter interface {
	Format(entry logging.LogEntry) (string, error)
}

type Option func(*LogDaemonService)

func WithLogger(logger *logrus.Entry) Option {
	return func(s *LogDaemonService) {
		s.logger = logger
	}
}

// LogDaemonService discovers log files under a root, tails them with a
// scaling worker pool and feeds every line to a sink.
type LogDaemonService struct {
	config        Config
	sink          logging.Sink
	formatter     Formatter
	logger        *logrus.Entry
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *LogDaemonMetrics

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMutex  sync.Mutex
	seenFiles   map[string]struct{}
	activeFiles map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	LogRootPath        string
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	NodeName           string
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// FromStart tails new files from their first line instead of their end.
	FromStart bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

// NewLogDaemonService always creates 3 + config.MinWorkers go routines on Start()
func NewLogDaemonService(ctx context.Context, config Config, sink logging.Sink, formatter Formatter, opts ...Option) *LogDaemonService {
	nCtx, cancel := context.WithCancel(ctx)

	service := &LogDaemonService{
		config:    config,
		sink:      sink,
		formatter: formatter,
		logger:    logrus.WithField("component", "daemon"),
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &LogDaemonMetrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		activeFiles:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service
}

func (s *LogDaemonService) Start() {
	s.logger.WithFields(logrus.Fields{
		"min_workers": s.minWorkers,
		"max_workers": s.maxWorkers,
		"queue_size":  s.config.FileQueueSize,
		"root":        s.config.LogRootPath,
	}).Info("starting log daemon service")

	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	s.subServicesWg.Add(1)
	go s.metricsReporter()
}

func (s *LogDaemonService) Stop() {
	s.logger.Info("stopping log daemon service")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info("log daemon service stopped")
}

// Metrics returns a copy of the daemon counters.
func (s *LogDaemonService) Metrics() LogDaemonMetrics {
	return s.metrics.GetMetricsStamp()
}

func (s *LogDaemonService) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	worker := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = worker

	s.workersWg.Add(1)
	go s.worker(worker)

	s.metrics.IncWorkersActive()
	s.logger.WithField("worker", id).Debug("worker started")
}

func (s *LogDaemonService) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.WithField("worker", id).Debug("worker stopped")
}

func (s *LogDaemonService) worker(worker *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("worker", worker.id).Errorf("worker panicked: %v", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(worker.ctx, filePath)
			s.metrics.DecWorkersBusy()

		case <-worker.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	log := s.logger.WithField("file", filePath)
	defer s.release(filePath)
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("file processing panicked: %v", r)
			s.metrics.IncFilesFailed()
		}
	}()

	whence := io.SeekEnd
	if s.config.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     s.config.Poll,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		log.WithError(err).Warn("failed to tail file")
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()
	labels := s.extractLabels(filePath)

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				log.Debug("tail stopped")
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				log.WithError(line.Err).Warn("error reading file")
				continue
			}

			s.metrics.IncLinesRead()
			msg, err := s.formatter.Format(logging.LogEntry{
				Timestamp: line.Time,
				Message:   line.Text,
				File:      filePath,
				Labels:    labels,
			})
			if err != nil {
				s.metrics.IncLinesDropped()
				log.WithError(err).Debug("failed to format line")
				continue
			}

			s.sink.Enqueue(msg)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				log.Debug("file idle, releasing")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// release lets the scanner hand the file to a worker again.
func (s *LogDaemonService) release(filePath string) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	delete(s.activeFiles, filePath)
}

func (s *LogDaemonService) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that no worker is tailing yet.
func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.WithError(err).Warn("error discovering log files")
		return
	}

	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	for _, file := range files {
		if _, ok := s.seenFiles[file]; !ok {
			s.metrics.IncFilesDiscovered()
			s.seenFiles[file] = struct{}{}
		}
		if _, ok := s.activeFiles[file]; ok {
			continue
		}

		select {
		case s.fileQueue <- file:
			s.activeFiles[file] = struct{}{}
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			return

		default:
			s.logger.WithFields(logrus.Fields{
				"queued":   len(s.fileQueue),
				"capacity": cap(s.fileQueue),
				"file":     file,
			}).Warn("file queue full, skipping")
		}
	}
}

func (s *LogDaemonService) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) adjustWorkers() {
	metrics := s.metrics.GetMetricsStamp()

	s.scaleMutex.RLock()
	current := s.currentWorkers
	s.scaleMutex.RUnlock()

	if s.maxWorkers <= s.minWorkers {
		return
	}

	queueUsage := metrics.GetQueueUsage()
	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(current)
	}

	if queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		current < s.maxWorkers {
		s.scaleUp()
	} else if queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		current > s.minWorkers {
		s.scaleDown()
	}
}

func (s *LogDaemonService) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	s.logger.WithFields(logrus.Fields{
		"workers":     s.currentWorkers,
		"queue_usage": s.metrics.GetQueueUsage(),
	}).Info("scaled up")
}

func (s *LogDaemonService) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	s.logger.WithFields(logrus.Fields{
		"workers":     s.currentWorkers,
		"queue_usage": s.metrics.GetQueueUsage(),
	}).Info("scaled down")
}

func (s *LogDaemonService) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()

			s.logger.WithFields(logrus.Fields{
				"workers_active":   metrics.WorkersActive,
				"workers_max":      s.maxWorkers,
				"workers_busy":     metrics.WorkersBusy,
				"queued_files":     metrics.QueuedFiles,
				"queue_usage":      metrics.GetQueueUsage(),
				"files_processed":  metrics.FilesProcessed,
				"files_discovered": metrics.FilesDiscovered,
				"lines_read":       metrics.LinesRead,
				"lines_dropped":    metrics.LinesDropped,
				"scale_up":         metrics.ScaleUpOperations,
				"scale_down":       metrics.ScaleDownOperations,
			}).Info("daemon metrics")

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Debug("error accessing path")
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads namespace, pod and container from the kubelet layout
// /var/log/pods/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"file": filepath.Base(filePath),
	}
	if s.config.NodeName != "" {
		labels["node"] = s.config.NodeName
	}

	parts := strings.Split(filePath, "/")
	if len(parts) >= 5 {
		podParts := strings.Split(parts[4], "_")
		if len(podParts) >= 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}

		if len(parts) >= 6 {
			labels["container"] = parts[5]
		}
	}

	return labels
}
