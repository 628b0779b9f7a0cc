package cloudwatch

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/awserr"
	"github.com/Chichichkin/CloudLogShipper/internal/substitution"
)

// Service limits for PutLogEvents.
const (
	MaxBatchCount      = 10000
	MaxBatchBytes      = 1048576
	PerMessageOverhead = 26
	MaxMessageBytes    = 262144 - PerMessageOverhead
)

// Client is the part of the CloudWatch Logs API the adapter uses.
type Client interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

var _ Client = (*cloudwatchlogs.Client)(nil)

type Config struct {
	LogGroup string
	// AutoCreate creates the log group and stream when they do not exist.
	AutoCreate bool
	// RetentionDays is applied to log groups created by the adapter. Zero keeps logs forever.
	RetentionDays int32
}

type Option func(*Adapter)

func WithLogger(logger *logrus.Entry) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// Adapter writes batches to one log stream of a log group. A stream is bound
// by EnsureReady; the adapter keeps its upload sequence token.
type Adapter struct {
	client Client
	config Config
	logger *logrus.Entry

	mu     sync.Mutex
	stream string
	token  *string
}

func New(client Client, config Config, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		config: config,
		logger: logrus.WithField("component", "cloudwatch"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithField("log_group", config.LogGroup)
	return a
}

func (a *Adapter) Constraints() logging.Constraints {
	return logging.Constraints{
		MaxBatchCount:      MaxBatchCount,
		MaxBatchBytes:      MaxBatchBytes,
		MaxMessageBytes:    MaxMessageBytes,
		PerMessageOverhead: PerMessageOverhead,
	}
}

func (a *Adapter) RotatedName(base string, sequence int) string {
	return substitution.WithSequence(base, sequence)
}

func (a *Adapter) EnsureReady(ctx context.Context, stream string) (logging.DestinationState, error) {
	if err := a.ensureGroup(ctx); err != nil {
		return logging.DestinationUnknown, err
	}

	found, token, err := a.describeStream(ctx, stream)
	if err != nil {
		return logging.DestinationUnknown, err
	}
	if !found {
		if !a.config.AutoCreate {
			return logging.DestinationMissing, errors.Wrapf(logging.ErrDestinationMissing,
				"log stream %s does not exist in group %s", stream, a.config.LogGroup)
		}
		a.logger.WithField("destination", stream).Info("creating log stream")
		_, err := a.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
			LogGroupName:  aws.String(a.config.LogGroup),
			LogStreamName: aws.String(stream),
		})
		if err != nil && awserr.Code(err) != "ResourceAlreadyExistsException" {
			return logging.DestinationUnknown, errors.Wrapf(err, "failed to create log stream %s", stream)
		}
		token = nil
	}

	a.mu.Lock()
	a.stream = stream
	a.token = token
	a.mu.Unlock()
	return logging.DestinationReady, nil
}

func (a *Adapter) ensureGroup(ctx context.Context) error {
	var next *string
	for {
		out, err := a.client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
			LogGroupNamePrefix: aws.String(a.config.LogGroup),
			NextToken:          next,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to describe log group %s", a.config.LogGroup)
		}
		for _, g := range out.LogGroups {
			if aws.ToString(g.LogGroupName) == a.config.LogGroup {
				return nil
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	if !a.config.AutoCreate {
		return errors.Wrapf(logging.ErrDestinationMissing, "log group %s does not exist", a.config.LogGroup)
	}

	a.logger.Info("creating log group")
	_, err := a.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(a.config.LogGroup),
	})
	if err != nil {
		if awserr.Code(err) == "ResourceAlreadyExistsException" {
			return nil
		}
		return errors.Wrapf(err, "failed to create log group %s", a.config.LogGroup)
	}

	if a.config.RetentionDays > 0 {
		_, err = a.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(a.config.LogGroup),
			RetentionInDays: aws.Int32(a.config.RetentionDays),
		})
		if err != nil {
			a.logger.WithError(err).Warn("failed to set retention policy")
		}
	}
	return nil
}

func (a *Adapter) describeStream(ctx context.Context, stream string) (bool, *string, error) {
	var next *string
	for {
		out, err := a.client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
			LogGroupName:        aws.String(a.config.LogGroup),
			LogStreamNamePrefix: aws.String(stream),
			NextToken:           next,
		})
		if err != nil {
			return false, nil, errors.Wrapf(err, "failed to describe log stream %s", stream)
		}
		for _, s := range out.LogStreams {
			if aws.ToString(s.LogStreamName) == stream {
				return true, s.UploadSequenceToken, nil
			}
		}
		if out.NextToken == nil {
			return false, nil, nil
		}
		next = out.NextToken
	}
}

func (a *Adapter) Send(ctx context.Context, b *logging.Batch) logging.SendOutcome {
	a.mu.Lock()
	stream, token := a.stream, a.token
	a.mu.Unlock()

	events := make([]types.InputLogEvent, len(b.Messages))
	for i, m := range b.Messages {
		events[i] = types.InputLogEvent{
			Message:   aws.String(m.Payload),
			Timestamp: aws.Int64(m.EnqueuedAt.UnixMilli()),
		}
	}
	b.Token = aws.ToString(token)

	out, err := a.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(a.config.LogGroup),
		LogStreamName: aws.String(stream),
		LogEvents:     events,
		SequenceToken: token,
	})
	if err != nil {
		switch awserr.Code(err) {
		case "DataAlreadyAcceptedException":
			// a previous attempt that looked failed went through
			a.refreshToken(ctx, stream)
			return logging.Accepted()
		case "InvalidSequenceTokenException":
			a.refreshToken(ctx, stream)
			return logging.Race(err)
		case "ResourceNotFoundException":
			return logging.Missing(errors.Wrapf(logging.ErrDestinationMissing, "log stream %s: %v", stream, err))
		}
		return logging.OutcomeFor(a.Classify(err), err)
	}

	a.mu.Lock()
	if a.stream == stream {
		a.token = out.NextSequenceToken
	}
	a.mu.Unlock()

	if info := out.RejectedLogEventsInfo; info != nil {
		// rejected by timestamp, resending cannot succeed
		a.logger.WithFields(logrus.Fields{
			"destination": stream,
			"too_new":     aws.ToInt32(info.TooNewLogEventStartIndex),
			"too_old":     aws.ToInt32(info.TooOldLogEventEndIndex),
			"expired":     aws.ToInt32(info.ExpiredLogEventEndIndex),
		}).Warn("log events rejected")
	}
	return logging.Accepted()
}

func (a *Adapter) refreshToken(ctx context.Context, stream string) {
	found, token, err := a.describeStream(ctx, stream)
	if err != nil || !found {
		a.logger.WithField("destination", stream).WithError(err).Debug("unable to refresh sequence token")
		return
	}
	a.mu.Lock()
	if a.stream == stream {
		a.token = token
	}
	a.mu.Unlock()
}

func (a *Adapter) Classify(err error) logging.ErrorClass {
	if errors.Is(err, logging.ErrDestinationMissing) {
		return logging.ClassMissing
	}
	switch awserr.Code(err) {
	case "InvalidSequenceTokenException", "OperationAbortedException":
		return logging.ClassRace
	case "ResourceNotFoundException":
		return logging.ClassMissing
	}
	return awserr.Classify(err)
}
