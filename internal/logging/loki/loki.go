package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/substitution"
)

const (
	pushPath  = "/loki/api/v1/push"
	readyPath = "/ready"

	// nanosecond timestamp plus JSON framing of one value pair
	PerMessageOverhead = 32
)

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type Config struct {
	URL string
	// Labels are attached to every stream next to the destination label.
	Labels map[string]string
	// TenantID is sent as X-Scope-OrgID when not empty.
	TenantID        string
	MaxBatchCount   int
	MaxBatchBytes   int
	MaxMessageBytes int
	Timeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Labels:          map[string]string{"job": "cloud-log-shipper"},
		MaxBatchCount:   1000,
		MaxBatchBytes:   4 * 1024 * 1024,
		MaxMessageBytes: 256 * 1024,
		Timeout:         5 * time.Second,
	}
}

type Option func(*Adapter)

func WithLogger(logger *logrus.Entry) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = client
	}
}

// StatusError is a non-2xx answer from Loki.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loki returned status %d: %s", e.Code, e.Body)
}

// Adapter pushes batches to Loki as one stream labelled with the destination name.
type Adapter struct {
	baseURL    string
	config     Config
	httpClient *http.Client
	logger     *logrus.Entry

	mu     sync.Mutex
	labels map[string]string
}

func New(config Config, opts ...Option) *Adapter {
	defaults := DefaultConfig()
	if config.MaxBatchCount <= 0 {
		config.MaxBatchCount = defaults.MaxBatchCount
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = defaults.MaxBatchBytes
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	a := &Adapter{
		baseURL: strings.TrimRight(config.URL, "/"),
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logrus.WithField("component", "loki"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Constraints() logging.Constraints {
	return logging.Constraints{
		MaxBatchCount:      a.config.MaxBatchCount,
		MaxBatchBytes:      a.config.MaxBatchBytes,
		MaxMessageBytes:    a.config.MaxMessageBytes,
		PerMessageOverhead: PerMessageOverhead,
	}
}

func (a *Adapter) RotatedName(base string, sequence int) string {
	return substitution.WithSequence(base, sequence)
}

// EnsureReady probes the readiness endpoint. Loki streams need no creation.
func (a *Adapter) EnsureReady(ctx context.Context, name string) (logging.DestinationState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+readyPath, nil)
	if err != nil {
		return logging.DestinationUnknown, errors.Wrap(err, "failed to create request")
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return logging.DestinationUnknown, errors.Wrap(err, "failed to probe loki")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return logging.DestinationUnknown, err
	}

	labels := make(map[string]string, len(a.config.Labels)+1)
	for k, v := range a.config.Labels {
		labels[k] = v
	}
	labels["destination"] = name

	a.mu.Lock()
	a.labels = labels
	a.mu.Unlock()
	return logging.DestinationReady, nil
}

func (a *Adapter) Send(ctx context.Context, b *logging.Batch) logging.SendOutcome {
	body, err := json.Marshal(a.createPayload(b))
	if err != nil {
		return logging.Fatal(errors.Wrap(err, "failed to marshal payload"))
	}

	if err := a.sendRequest(ctx, body); err != nil {
		return logging.OutcomeFor(a.Classify(err), err)
	}
	a.logger.WithField("batch_size", b.Len()).Debug("batch pushed")
	return logging.Accepted()
}

func (a *Adapter) createPayload(b *logging.Batch) Payload {
	a.mu.Lock()
	labels := a.labels
	a.mu.Unlock()

	stream := Stream{
		Stream: labels,
		Values: make([][2]string, 0, b.Len()),
	}
	for _, m := range b.Messages {
		timestamp := fmt.Sprintf("%d", m.EnqueuedAt.UnixNano())
		stream.Values = append(stream.Values, [2]string{timestamp, m.Payload})
	}

	return Payload{Streams: []Stream{stream}}
}

func (a *Adapter) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (a *Adapter) setHeaders(req *http.Request) {
	if a.config.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", a.config.TenantID)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))}
}

// Classify treats transport errors, 429 and 5xx as retryable. Other statuses
// mean the request itself is wrong.
func (a *Adapter) Classify(err error) logging.ErrorClass {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return logging.ClassRetryable
	}
	if statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500 {
		return logging.ClassRetryable
	}
	return logging.ClassFatal
}
