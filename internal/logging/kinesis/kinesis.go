package kinesis

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/awserr"
)

// Service limits for PutRecords.
const (
	MaxBatchCount = 500
	MaxBatchBytes = 5 * 1024 * 1024
	MaxRecordSize = 1024 * 1024

	// partition keys default to the stream name, which is at most this long
	maxStreamName    = 128
	randomKeyLength  = 8
	defaultRetention = 24
)

// Client is the part of the Kinesis API the adapter uses.
type Client interface {
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	IncreaseStreamRetentionPeriod(ctx context.Context, params *kinesis.IncreaseStreamRetentionPeriodInput, optFns ...func(*kinesis.Options)) (*kinesis.IncreaseStreamRetentionPeriodOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

var _ Client = (*kinesis.Client)(nil)

type Config struct {
	PartitionKeyMode logging.PartitionKeyMode
	// PartitionKey is the fixed key. Empty means the stream name.
	PartitionKey string
	AutoCreate   bool
	ShardCount   int32
	// RetentionHours above the service default of 24 is applied after creation.
	RetentionHours int32
	// PollInterval is the delay between status checks while a stream becomes active.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PartitionKeyMode: logging.PartitionFixed,
		ShardCount:       1,
		RetentionHours:   defaultRetention,
		PollInterval:     time.Second,
	}
}

type Option func(*Adapter)

func WithLogger(logger *logrus.Entry) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// Adapter writes batches to one Kinesis stream bound by EnsureReady.
type Adapter struct {
	client Client
	config Config
	logger *logrus.Entry

	mu     sync.Mutex
	stream string
}

func New(client Client, config Config, opts ...Option) *Adapter {
	if config.ShardCount <= 0 {
		config.ShardCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	a := &Adapter{
		client: client,
		config: config,
		logger: logrus.WithField("component", "kinesis"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) keyOverhead() int {
	switch {
	case a.config.PartitionKeyMode == logging.PartitionRandom:
		return randomKeyLength
	case a.config.PartitionKey != "":
		return len(a.config.PartitionKey)
	default:
		return maxStreamName
	}
}

// Constraints count the partition key against both the record and the request budget.
func (a *Adapter) Constraints() logging.Constraints {
	overhead := a.keyOverhead()
	return logging.Constraints{
		MaxBatchCount:      MaxBatchCount,
		MaxBatchBytes:      MaxBatchBytes,
		MaxMessageBytes:    MaxRecordSize - overhead,
		PerMessageOverhead: overhead,
	}
}

func (a *Adapter) partitionKey(stream string) string {
	if a.config.PartitionKeyMode == logging.PartitionRandom {
		return fmt.Sprintf("%08d", rand.IntN(100000000))
	}
	if a.config.PartitionKey != "" {
		return a.config.PartitionKey
	}
	return stream
}

func (a *Adapter) EnsureReady(ctx context.Context, stream string) (logging.DestinationState, error) {
	log := a.logger.WithField("destination", stream)

	status, err := a.describe(ctx, stream)
	if err != nil {
		if awserr.Code(err) != "ResourceNotFoundException" {
			return logging.DestinationUnknown, errors.Wrapf(err, "failed to describe stream %s", stream)
		}
		if !a.config.AutoCreate {
			return logging.DestinationMissing, errors.Wrapf(logging.ErrDestinationMissing,
				"stream %s does not exist and auto-create is disabled", stream)
		}

		log.WithField("shards", a.config.ShardCount).Info("creating stream")
		_, err = a.client.CreateStream(ctx, &kinesis.CreateStreamInput{
			StreamName: aws.String(stream),
			ShardCount: aws.Int32(a.config.ShardCount),
		})
		if err != nil && awserr.Code(err) != "ResourceInUseException" {
			return logging.DestinationUnknown, errors.Wrapf(err, "failed to create stream %s", stream)
		}
		if err := a.waitActive(ctx, stream); err != nil {
			return logging.DestinationCreating, err
		}

		if a.config.RetentionHours > defaultRetention {
			_, err = a.client.IncreaseStreamRetentionPeriod(ctx, &kinesis.IncreaseStreamRetentionPeriodInput{
				StreamName:           aws.String(stream),
				RetentionPeriodHours: aws.Int32(a.config.RetentionHours),
			})
			if err != nil {
				return logging.DestinationUnknown, errors.Wrapf(err, "failed to set retention period of stream %s", stream)
			}
			if err := a.waitActive(ctx, stream); err != nil {
				return logging.DestinationCreating, err
			}
		}
	} else {
		switch status {
		case types.StreamStatusActive:
		case types.StreamStatusDeleting:
			return logging.DestinationDeleted, errors.Errorf("stream %s is being deleted", stream)
		default:
			if err := a.waitActive(ctx, stream); err != nil {
				return logging.DestinationCreating, err
			}
		}
	}

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()
	return logging.DestinationReady, nil
}

func (a *Adapter) describe(ctx context.Context, stream string) (types.StreamStatus, error) {
	out, err := a.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(stream),
	})
	if err != nil {
		return "", err
	}
	if out.StreamDescriptionSummary == nil {
		return "", errors.Errorf("empty description for stream %s", stream)
	}
	return out.StreamDescriptionSummary.StreamStatus, nil
}

func (a *Adapter) waitActive(ctx context.Context, stream string) error {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := a.describe(ctx, stream)
		if err != nil && awserr.Code(err) != "ResourceNotFoundException" {
			return errors.Wrapf(err, "failed to describe stream %s", stream)
		}
		if status == types.StreamStatusActive {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "stream %s did not become active", stream)
		}
	}
}

func (a *Adapter) Send(ctx context.Context, b *logging.Batch) logging.SendOutcome {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()

	records := make([]types.PutRecordsRequestEntry, len(b.Messages))
	for i, m := range b.Messages {
		records[i] = types.PutRecordsRequestEntry{
			Data:         []byte(m.Payload),
			PartitionKey: aws.String(a.partitionKey(stream)),
		}
	}

	out, err := a.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(stream),
		Records:    records,
	})
	if err != nil {
		if awserr.Code(err) == "ResourceNotFoundException" {
			return logging.Missing(errors.Wrapf(logging.ErrDestinationMissing, "stream %s: %v", stream, err))
		}
		return logging.OutcomeFor(a.Classify(err), err)
	}
	if aws.ToInt32(out.FailedRecordCount) == 0 {
		return logging.Accepted()
	}

	var (
		rejected  []int
		lastError string
	)
	for i, r := range out.Records {
		if r.ErrorCode != nil {
			rejected = append(rejected, i)
			lastError = aws.ToString(r.ErrorCode) + ": " + aws.ToString(r.ErrorMessage)
		}
	}
	err = errors.Errorf("%d of %d records rejected by stream %s, last error %s", len(rejected), len(records), stream, lastError)
	if len(rejected) == len(records) {
		return logging.Throttled(err)
	}
	return logging.PartiallyRejected(rejected, err)
}

func (a *Adapter) Classify(err error) logging.ErrorClass {
	if errors.Is(err, logging.ErrDestinationMissing) {
		return logging.ClassMissing
	}
	if awserr.Code(err) == "ResourceInUseException" {
		return logging.ClassRace
	}
	return awserr.Classify(err)
}
