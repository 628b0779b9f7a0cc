package substitution

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SequenceToken is left in place by Resolve and filled in by WithSequence on rotation.
const SequenceToken = "{sequence}"

// Substitutor expands {token} placeholders in destination names.
//
// Supported tokens: {date}, {timestamp}, {hourlyTimestamp}, {startupTimestamp},
// {pid}, {hostname}, {uuid}, {env:NAME} and {env:NAME:default}. Unknown tokens
// are kept verbatim.
type Substitutor struct {
	startup  time.Time
	now      func() time.Time
	hostname string
	pid      int
	getenv   func(string) string
	newUUID  func() string
}

func New() *Substitutor {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	// short name only
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}

	return &Substitutor{
		startup:  time.Now().UTC(),
		now:      func() time.Time { return time.Now().UTC() },
		hostname: hostname,
		pid:      os.Getpid(),
		getenv:   os.Getenv,
		newUUID:  func() string { return uuid.NewString() },
	}
}

func (s *Substitutor) Resolve(template string) string {
	var sb strings.Builder
	rest := template
	for {
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		start := strings.LastIndexByte(rest[:end], '{')
		if start < 0 {
			sb.WriteString(rest[:end+1])
			rest = rest[end+1:]
			continue
		}

		sb.WriteString(rest[:start])
		token := rest[start : end+1]
		if value, ok := s.lookup(token[1 : len(token)-1]); ok {
			sb.WriteString(value)
		} else {
			sb.WriteString(token)
		}
		rest = rest[end+1:]
	}
}

func (s *Substitutor) lookup(name string) (string, bool) {
	switch name {
	case "date":
		return s.now().Format("20060102"), true
	case "timestamp":
		return s.now().Format("20060102150405"), true
	case "hourlyTimestamp":
		return s.now().Truncate(time.Hour).Format("20060102150405"), true
	case "startupTimestamp":
		return s.startup.Format("20060102150405"), true
	case "pid":
		return strconv.Itoa(s.pid), true
	case "hostname":
		return s.hostname, true
	case "uuid":
		return s.newUUID(), true
	}

	if env, ok := strings.CutPrefix(name, "env:"); ok {
		key, def, _ := strings.Cut(env, ":")
		if value := s.getenv(key); value != "" {
			return value, true
		}
		return def, true
	}
	return "", false
}

// WithSequence names the destination for rotation sequence seq, which starts at
// 1. A {sequence} token is replaced; otherwise later destinations get a "-seq" suffix.
func WithSequence(name string, seq int) string {
	if strings.Contains(name, SequenceToken) {
		return strings.ReplaceAll(name, SequenceToken, strconv.Itoa(seq))
	}
	if seq <= 1 {
		return name
	}
	return name + "-" + strconv.Itoa(seq)
}
