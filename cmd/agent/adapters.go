package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chichichkin/CloudLogShipper/internal/appender"
	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/cloudwatch"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/kinesis"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/loki"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/sns"
)

// newAdapterFactory returns a factory building a fresh adapter, and a fresh
// service client, for every writer.
func newAdapterFactory(ctx context.Context, cfg AppConfig, logger *logrus.Entry) (appender.AdapterFactory, error) {
	switch cfg.destinationType() {
	case "loki":
		return func(context.Context) (logging.Adapter, error) {
			lokiCfg := loki.DefaultConfig()
			lokiCfg.URL = cfg.LokiURL
			lokiCfg.TenantID = cfg.LokiTenant
			lokiCfg.Labels["node"] = cfg.NodeName
			return loki.New(lokiCfg, loki.WithLogger(logger.WithField("component", "loki"))), nil
		}, nil

	case "cloudwatch", "kinesis", "sns":
	default:
		return nil, errors.Errorf("unknown destination type %q", cfg.DestinationType)
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.destinationType() {
	case "cloudwatch":
		return func(context.Context) (logging.Adapter, error) {
			client := cloudwatchlogs.NewFromConfig(awsCfg)
			return cloudwatch.New(client, cloudwatch.Config{
				LogGroup:      cfg.LogGroup,
				AutoCreate:    cfg.AutoCreate,
				RetentionDays: cfg.RetentionDays,
			}, cloudwatch.WithLogger(logger.WithField("component", "cloudwatch"))), nil
		}, nil

	case "kinesis":
		mode, err := logging.ParsePartitionKeyMode(cfg.PartitionKeyMode)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (logging.Adapter, error) {
			kinesisCfg := kinesis.DefaultConfig()
			kinesisCfg.PartitionKeyMode = mode
			kinesisCfg.PartitionKey = cfg.PartitionKey
			kinesisCfg.AutoCreate = cfg.AutoCreate
			kinesisCfg.ShardCount = cfg.ShardCount
			kinesisCfg.RetentionHours = cfg.RetentionHours
			client := awskinesis.NewFromConfig(awsCfg)
			return kinesis.New(client, kinesisCfg, kinesis.WithLogger(logger.WithField("component", "kinesis"))), nil
		}, nil

	default:
		return func(context.Context) (logging.Adapter, error) {
			client := awssns.NewFromConfig(awsCfg)
			return sns.New(client, sns.Config{
				AutoCreate: cfg.AutoCreate,
				Subject:    cfg.SNSSubject,
			}, sns.WithLogger(logger.WithField("component", "sns"))), nil
		}, nil
	}
}

func loadAWSConfig(ctx context.Context, cfg AppConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "unable to load AWS configuration")
	}
	return awsCfg, nil
}
