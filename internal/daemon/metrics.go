package daemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LogDaemonMetrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesRead           int
	LinesDropped        int
	mu                  sync.RWMutex
}

func (m *LogDaemonMetrics) IncFilesDiscovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesDiscovered++
}

func (m *LogDaemonMetrics) IncFilesProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesProcessed++
}

func (m *LogDaemonMetrics) IncFilesFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesFailed++
}

func (m *LogDaemonMetrics) IncAmountQueueFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedFiles++
}
func (m *LogDaemonMetrics) DecAmountQueueFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedFiles--
}

func (m *LogDaemonMetrics) IncWorkersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersActive++
}

func (m *LogDaemonMetrics) DecWorkersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersActive--
}

func (m *LogDaemonMetrics) IncWorkersBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersBusy++
}

func (m *LogDaemonMetrics) DecWorkersBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersBusy--
}

func (m *LogDaemonMetrics) IncScaleUpOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScaleUpOperations++
}

func (m *LogDaemonMetrics) IncScaleDownOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScaleDownOperations++
}

func (m *LogDaemonMetrics) IncLinesRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesRead++
}

func (m *LogDaemonMetrics) IncLinesDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesDropped++
}

func (m *LogDaemonMetrics) GetMetricsStamp() LogDaemonMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LogDaemonMetrics{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesRead:           m.LinesRead,
		LinesDropped:        m.LinesDropped,
	}
}

// GetQueueUsage returns the fraction of the file queue in use.
func (m *LogDaemonMetrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}

// MetricsCollector exports daemon metrics read from source at scrape time.
type MetricsCollector struct {
	source func() LogDaemonMetrics

	filesDiscovered *prometheus.Desc
	filesProcessed  *prometheus.Desc
	filesFailed     *prometheus.Desc
	queuedFiles     *prometheus.Desc
	workersActive   *prometheus.Desc
	workersBusy     *prometheus.Desc
	linesRead       *prometheus.Desc
	linesDropped    *prometheus.Desc
}

func NewMetricsCollector(namespace string, source func() LogDaemonMetrics) *MetricsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "daemon", name), help, nil, nil)
	}
	return &MetricsCollector{
		source:          source,
		filesDiscovered: desc("files_discovered_total", "Log files found under the root"),
		filesProcessed:  desc("files_processed_total", "Tail sessions that ended"),
		filesFailed:     desc("files_failed_total", "Tail sessions that failed"),
		queuedFiles:     desc("queued_files", "Files waiting for a worker"),
		workersActive:   desc("workers_active", "Running tail workers"),
		workersBusy:     desc("workers_busy", "Workers currently tailing a file"),
		linesRead:       desc("lines_read_total", "Lines read from tailed files"),
		linesDropped:    desc("lines_dropped_total", "Lines that could not be formatted"),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.filesDiscovered
	ch <- c.filesProcessed
	ch <- c.filesFailed
	ch <- c.queuedFiles
	ch <- c.workersActive
	ch <- c.workersBusy
	ch <- c.linesRead
	ch <- c.linesDropped
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.source()
	ch <- prometheus.MustNewConstMetric(c.filesDiscovered, prometheus.CounterValue, float64(m.FilesDiscovered))
	ch <- prometheus.MustNewConstMetric(c.filesProcessed, prometheus.CounterValue, float64(m.FilesProcessed))
	ch <- prometheus.MustNewConstMetric(c.filesFailed, prometheus.CounterValue, float64(m.FilesFailed))
	ch <- prometheus.MustNewConstMetric(c.queuedFiles, prometheus.GaugeValue, float64(m.QueuedFiles))
	ch <- prometheus.MustNewConstMetric(c.workersActive, prometheus.GaugeValue, float64(m.WorkersActive))
	ch <- prometheus.MustNewConstMetric(c.workersBusy, prometheus.GaugeValue, float64(m.WorkersBusy))
	ch <- prometheus.MustNewConstMetric(c.linesRead, prometheus.CounterValue, float64(m.LinesRead))
	ch <- prometheus.MustNewConstMetric(c.linesDropped, prometheus.CounterValue, float64(m.LinesDropped))
}
