package sns

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/awserr"
)

// Service limits for PublishBatch.
const (
	MaxBatchCount   = 10
	MaxBatchBytes   = 256 * 1024
	MaxMessageBytes = MaxBatchBytes
)

// Client is the part of the SNS API the adapter uses.
type Client interface {
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	GetTopicAttributes(ctx context.Context, params *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

var _ Client = (*sns.Client)(nil)

type Config struct {
	// AutoCreate creates a topic given by name when it does not exist. Topics
	// given by ARN are never created.
	AutoCreate bool
	// Subject is attached to every notification when not empty.
	Subject string
}

type Option func(*Adapter)

func WithLogger(logger *logrus.Entry) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// Adapter publishes batches to one SNS topic, identified by name or ARN.
type Adapter struct {
	client Client
	config Config
	logger *logrus.Entry

	mu  sync.Mutex
	arn string
}

func New(client Client, config Config, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		config: config,
		logger: logrus.WithField("component", "sns"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Constraints() logging.Constraints {
	return logging.Constraints{
		MaxBatchCount:   MaxBatchCount,
		MaxBatchBytes:   MaxBatchBytes,
		MaxMessageBytes: MaxMessageBytes,
	}
}

func (a *Adapter) EnsureReady(ctx context.Context, topic string) (logging.DestinationState, error) {
	arn, err := a.resolve(ctx, topic)
	if err != nil {
		return logging.DestinationUnknown, err
	}

	a.mu.Lock()
	a.arn = arn
	a.mu.Unlock()
	return logging.DestinationReady, nil
}

func (a *Adapter) resolve(ctx context.Context, topic string) (string, error) {
	if strings.HasPrefix(topic, "arn:") {
		_, err := a.client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: aws.String(topic)})
		if err != nil {
			if awserr.Classify(err) == logging.ClassMissing {
				return "", errors.Wrapf(logging.ErrDestinationMissing, "topic %s does not exist", topic)
			}
			return "", errors.Wrapf(err, "failed to check topic %s", topic)
		}
		return topic, nil
	}

	var next *string
	for {
		out, err := a.client.ListTopics(ctx, &sns.ListTopicsInput{NextToken: next})
		if err != nil {
			return "", errors.Wrap(err, "failed to list topics")
		}
		for _, t := range out.Topics {
			if arn := aws.ToString(t.TopicArn); strings.HasSuffix(arn, ":"+topic) {
				return arn, nil
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	if !a.config.AutoCreate {
		return "", errors.Wrapf(logging.ErrDestinationMissing, "topic %s does not exist", topic)
	}

	a.logger.WithField("destination", topic).Info("creating topic")
	// CreateTopic is idempotent, a concurrent creator gets the same ARN
	out, err := a.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(topic)})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create topic %s", topic)
	}
	return aws.ToString(out.TopicArn), nil
}

func (a *Adapter) Send(ctx context.Context, b *logging.Batch) logging.SendOutcome {
	a.mu.Lock()
	arn := a.arn
	a.mu.Unlock()

	entries := make([]types.PublishBatchRequestEntry, len(b.Messages))
	for i, m := range b.Messages {
		entries[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(strconv.Itoa(i)),
			Message: aws.String(m.Payload),
		}
		if a.config.Subject != "" {
			entries[i].Subject = aws.String(a.config.Subject)
		}
	}

	out, err := a.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(arn),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		if awserr.Classify(err) == logging.ClassMissing {
			return logging.Missing(errors.Wrapf(logging.ErrDestinationMissing, "topic %s: %v", arn, err))
		}
		return logging.OutcomeFor(a.Classify(err), err)
	}
	if len(out.Failed) == 0 {
		return logging.Accepted()
	}

	rejected := make([]int, 0, len(out.Failed))
	for _, f := range out.Failed {
		i, err := strconv.Atoi(aws.ToString(f.Id))
		if err != nil {
			continue
		}
		rejected = append(rejected, i)
	}
	last := out.Failed[len(out.Failed)-1]
	err = errors.Errorf("%d of %d notifications rejected by %s, last error %s: %s",
		len(out.Failed), len(entries), arn, aws.ToString(last.Code), aws.ToString(last.Message))
	return logging.PartiallyRejected(rejected, err)
}

func (a *Adapter) Classify(err error) logging.ErrorClass {
	if errors.Is(err, logging.ErrDestinationMissing) {
		return logging.ClassMissing
	}
	return awserr.Classify(err)
}
