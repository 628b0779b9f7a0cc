package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a writer's counters.
type Snapshot struct {
	MessagesSent           int
	MessagesDiscarded      int
	RaceRetries            int
	UnrecoveredRaceRetries int
	BatchesSent            int
	LastErrorMessage       string
	LastErrorAt            time.Time
	ActualDestinationName  string
}

// Add sums counters from other into s. The most recent error wins.
func (s Snapshot) Add(other Snapshot) Snapshot {
	s.MessagesSent += other.MessagesSent
	s.MessagesDiscarded += other.MessagesDiscarded
	s.RaceRetries += other.RaceRetries
	s.UnrecoveredRaceRetries += other.UnrecoveredRaceRetries
	s.BatchesSent += other.BatchesSent
	if other.LastErrorMessage != "" && !other.LastErrorAt.Before(s.LastErrorAt) {
		s.LastErrorMessage = other.LastErrorMessage
		s.LastErrorAt = other.LastErrorAt
	}
	if other.ActualDestinationName != "" {
		s.ActualDestinationName = other.ActualDestinationName
	}
	return s
}

// Statistics holds the counters of one writer incarnation. Readers never block
// the writer for longer than a copy.
type Statistics struct {
	MessagesSent           int
	MessagesDiscarded      int
	RaceRetries            int
	UnrecoveredRaceRetries int
	BatchesSent            int
	LastErrorMessage       string
	LastErrorAt            time.Time
	ActualDestinationName  string
	mu                     sync.RWMutex
	now                    func() time.Time
}

func New() *Statistics {
	return &Statistics{now: time.Now}
}

func (s *Statistics) AddMessagesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesSent += n
	s.BatchesSent++
}

func (s *Statistics) AddMessagesDiscarded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesDiscarded += n
}

func (s *Statistics) IncRaceRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RaceRetries++
}

func (s *Statistics) IncUnrecoveredRaceRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UnrecoveredRaceRetries++
}

// SetLastError replaces the last error message. It is never cleared.
func (s *Statistics) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastErrorMessage = msg
	if s.now != nil {
		s.LastErrorAt = s.now()
	} else {
		s.LastErrorAt = time.Now()
	}
}

func (s *Statistics) SetActualDestinationName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActualDestinationName = name
}

func (s *Statistics) GetStatisticsStamp() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		MessagesSent:           s.MessagesSent,
		MessagesDiscarded:      s.MessagesDiscarded,
		RaceRetries:            s.RaceRetries,
		UnrecoveredRaceRetries: s.UnrecoveredRaceRetries,
		BatchesSent:            s.BatchesSent,
		LastErrorMessage:       s.LastErrorMessage,
		LastErrorAt:            s.LastErrorAt,
		ActualDestinationName:  s.ActualDestinationName,
	}
}
