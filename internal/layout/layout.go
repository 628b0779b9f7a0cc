package layout

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Plain ships the raw line.
type Plain struct{}

func (Plain) Format(entry logging.LogEntry) (string, error) {
	return entry.Message, nil
}

type record struct {
	Timestamp string            `json:"timestamp"`
	Message   string            `json:"message"`
	File      string            `json:"file,omitempty"`
	Hostname  string            `json:"hostname"`
	ProcessID int               `json:"processId"`
	Labels    map[string]string `json:"labels,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type Option func(*JSON)

// WithTags adds static tags to every record.
func WithTags(tags map[string]string) Option {
	return func(j *JSON) {
		j.tags = tags
	}
}

func WithHostname(hostname string) Option {
	return func(j *JSON) {
		j.hostname = hostname
	}
}

// JSON renders one entry per line as a JSON object.
type JSON struct {
	hostname string
	pid      int
	tags     map[string]string
}

func NewJSON(opts ...Option) *JSON {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	j := &JSON{
		hostname: hostname,
		pid:      os.Getpid(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JSON) Format(entry logging.LogEntry) (string, error) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	body, err := json.Marshal(record{
		Timestamp: ts.UTC().Format(timestampFormat),
		Message:   entry.Message,
		File:      entry.File,
		Hostname:  j.hostname,
		ProcessID: j.pid,
		Labels:    entry.Labels,
		Tags:      j.tags,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal log record")
	}
	return string(body), nil
}

// ParseTags reads "key=value" pairs separated by commas.
func ParseTags(s string) (map[string]string, error) {
	tags := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return tags, nil
}
