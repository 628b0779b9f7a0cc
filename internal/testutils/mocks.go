package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/substitution"
)

// MockAdapter is a scripted logging.Adapter. Every send attempt is recorded;
// payloads are only counted as delivered when the outcome accepts them.
type MockAdapter struct {
	Limits logging.Constraints
	Delay  time.Duration

	// SendFunc decides the outcome of send call n (starting at 1). Nil accepts everything.
	SendFunc func(n int, b *logging.Batch) logging.SendOutcome
	// EnsureReadyFunc decides the outcome of EnsureReady call n. Nil reports ready.
	EnsureReadyFunc func(n int, name string) (logging.DestinationState, error)
	// ClassifyFunc maps errors onto classes. Nil classifies everything as fatal.
	ClassifyFunc func(err error) logging.ErrorClass

	mu          sync.Mutex
	attempts    [][]string
	delivered   []string
	batchSizes  []int
	maxBytes    int
	names       []string
	sendCalls   int
	ensureCalls int
}

func NewMockAdapter(maxCount, maxBytes int) *MockAdapter {
	return &MockAdapter{Limits: logging.Constraints{
		MaxBatchCount:   maxCount,
		MaxBatchBytes:   maxBytes,
		MaxMessageBytes: maxBytes,
	}}
}

func (m *MockAdapter) Constraints() logging.Constraints {
	return m.Limits
}

func (m *MockAdapter) EnsureReady(_ context.Context, name string) (logging.DestinationState, error) {
	m.mu.Lock()
	m.ensureCalls++
	n := m.ensureCalls
	m.names = append(m.names, name)
	m.mu.Unlock()

	if m.EnsureReadyFunc != nil {
		return m.EnsureReadyFunc(n, name)
	}
	return logging.DestinationReady, nil
}

func (m *MockAdapter) Send(ctx context.Context, b *logging.Batch) logging.SendOutcome {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return logging.Throttled(ctx.Err())
		}
	}

	m.mu.Lock()
	m.sendCalls++
	n := m.sendCalls
	m.attempts = append(m.attempts, b.Payloads())
	if b.TotalBytes > m.maxBytes {
		m.maxBytes = b.TotalBytes
	}
	m.mu.Unlock()

	outcome := logging.Accepted()
	if m.SendFunc != nil {
		outcome = m.SendFunc(n, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch outcome.Kind {
	case logging.OutcomeAccepted:
		m.delivered = append(m.delivered, b.Payloads()...)
		m.batchSizes = append(m.batchSizes, b.Len())
	case logging.OutcomePartiallyRejected:
		rejected := map[int]bool{}
		for _, i := range outcome.Rejected {
			rejected[i] = true
		}
		for i, p := range b.Payloads() {
			if !rejected[i] {
				m.delivered = append(m.delivered, p)
			}
		}
	}
	return outcome
}

func (m *MockAdapter) Classify(err error) logging.ErrorClass {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(err)
	}
	if errors.Is(err, logging.ErrDestinationMissing) {
		return logging.ClassMissing
	}
	return logging.ClassFatal
}

func (m *MockAdapter) RotatedName(base string, sequence int) string {
	return substitution.WithSequence(base, sequence)
}

// Delivered returns accepted payloads in delivery order.
func (m *MockAdapter) Delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

// Attempts returns the payloads of every send attempt, accepted or not.
func (m *MockAdapter) Attempts() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.attempts...)
}

// BatchSizes returns the sizes of fully accepted batches.
func (m *MockAdapter) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

// MaxBatchBytes returns the largest TotalBytes seen by Send.
func (m *MockAdapter) MaxBatchBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBytes
}

func (m *MockAdapter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

func (m *MockAdapter) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

func (m *MockAdapter) EnsureReadyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCalls
}

// MockSink records enqueued messages.
type MockSink struct {
	Messages []string
	mu       sync.Mutex
}

func (m *MockSink) Enqueue(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, message)
}

func (m *MockSink) GetMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Messages...)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
