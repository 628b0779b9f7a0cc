package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type DiscardPolicy uint32

const (
	DiscardOldest DiscardPolicy = iota
	DiscardNewest
	DiscardBlock
)

func (p DiscardPolicy) String() string {
	switch p {
	case DiscardOldest:
		return "oldest"
	case DiscardNewest:
		return "newest"
	case DiscardBlock:
		return "block"
	default:
		return "invalid"
	}
}

// ParseDiscardPolicy accepts "oldest", "newest" or "block".
func ParseDiscardPolicy(s string) (DiscardPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest", "":
		return DiscardOldest, nil
	case "newest":
		return DiscardNewest, nil
	case "block":
		return DiscardBlock, nil
	}
	return 0, errors.Errorf("invalid discard policy %q", s)
}

type RotationMode uint32

const (
	RotationNone RotationMode = iota
	RotationCount
	RotationInterval
	RotationBytes
)

func (m RotationMode) String() string {
	switch m {
	case RotationNone:
		return "none"
	case RotationCount:
		return "count"
	case RotationInterval:
		return "interval"
	case RotationBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// ParseRotationMode accepts "none", "count", "interval" or "bytes".
func ParseRotationMode(s string) (RotationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return RotationNone, nil
	case "count":
		return RotationCount, nil
	case "interval":
		return RotationInterval, nil
	case "bytes", "size":
		return RotationBytes, nil
	}
	return 0, errors.Errorf("invalid rotation mode %q", s)
}

type PartitionKeyMode uint32

const (
	PartitionFixed PartitionKeyMode = iota
	PartitionRandom
)

func (m PartitionKeyMode) String() string {
	if m == PartitionRandom {
		return "random"
	}
	return "fixed"
}

// ParsePartitionKeyMode accepts "fixed" or "random".
func ParsePartitionKeyMode(s string) (PartitionKeyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "":
		return PartitionFixed, nil
	case "random":
		return PartitionRandom, nil
	}
	return 0, errors.Errorf("invalid partition key mode %q", s)
}

// RetryConfig tunes the retry/backoff policy.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// RaceDelay is the fixed pause before resending after a sequencing race.
	RaceDelay time.Duration
	// RaceRetryLimit is how many races a single batch may hit before it is dropped.
	RaceRetryLimit int
	// PartialRetryLimit is how many immediate resends a partially rejected batch gets.
	PartialRetryLimit int
	// InitRetryLimit bounds EnsureReady attempts while initializing.
	InitRetryLimit int
}

// WriterConfig is consumed by a writer at construction.
type WriterConfig struct {
	BatchDelay       time.Duration
	DiscardPolicy    DiscardPolicy
	DiscardThreshold int
	// BlockTimeout bounds how long a producer waits under DiscardBlock.
	BlockTimeout     time.Duration
	TruncateOversize bool
	// AutoRecreate sends a writer back to initializing when its destination
	// disappears and a single recreation attempt fails.
	AutoRecreate    bool
	ShutdownTimeout time.Duration
	// SendTimeout bounds a single adapter call.
	SendTimeout time.Duration
	Retry       RetryConfig
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		Multiplier:        2.0,
		RaceDelay:         100 * time.Millisecond,
		RaceRetryLimit:    5,
		PartialRetryLimit: 3,
		InitRetryLimit:    10,
	}
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchDelay:       2 * time.Second,
		DiscardPolicy:    DiscardOldest,
		DiscardThreshold: 10000,
		BlockTimeout:     time.Second,
		TruncateOversize: true,
		ShutdownTimeout:  5 * time.Second,
		SendTimeout:      30 * time.Second,
		Retry:            DefaultRetryConfig(),
	}
}

// Validate returns an error pointing to incorrect values, if any.
func (c WriterConfig) Validate() error {
	if c.BatchDelay <= 0 {
		return errors.New("batch delay must be positive")
	}
	if c.DiscardThreshold <= 0 {
		return errors.New("discard threshold must be positive")
	}
	if c.Retry.Multiplier < 1.0 {
		return errors.New("retry multiplier must be >= 1.0")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("retry delays must be positive and max >= initial")
	}
	if c.Retry.RaceRetryLimit < 0 || c.Retry.PartialRetryLimit < 0 || c.Retry.InitRetryLimit <= 0 {
		return errors.New("retry limits must not be negative")
	}
	return nil
}

func (c WriterConfig) String() string {
	// without its methods, so %+v does not call String again
	type fields WriterConfig
	return fmt.Sprintf("%+v", fields(c))
}
