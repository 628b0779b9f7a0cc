package main

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/Chichichkin/CloudLogShipper/internal/appender"
	"github.com/Chichichkin/CloudLogShipper/internal/daemon"
	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

type AppConfig struct {
	// cloudwatch, kinesis, sns or loki
	DestinationType string `env:"DESTINATION_TYPE" envDefault:"cloudwatch"`
	DestinationName string `env:"DESTINATION_NAME" envDefault:"{hostname}-{date}"`
	AutoCreate      bool   `env:"AUTO_CREATE" envDefault:"true"`
	AutoRecreate    bool   `env:"AUTO_RECREATE" envDefault:"false"`

	AWSRegion     string `env:"AWS_REGION"`
	LogGroup      string `env:"LOG_GROUP" envDefault:"k8s-logs"`
	RetentionDays int32  `env:"RETENTION_DAYS" envDefault:"0"`

	ShardCount       int32  `env:"SHARD_COUNT" envDefault:"1"`
	RetentionHours   int32  `env:"RETENTION_HOURS" envDefault:"24"`
	PartitionKeyMode string `env:"PARTITION_KEY_MODE" envDefault:"fixed"`
	PartitionKey     string `env:"PARTITION_KEY"`

	SNSSubject string `env:"SNS_SUBJECT"`

	LokiURL    string `env:"LOKI_URL" envDefault:"http://loki:3100"`
	LokiTenant string `env:"LOKI_TENANT"`

	BatchDelay        time.Duration `env:"BATCH_DELAY" envDefault:"2s"`
	DiscardPolicy     string        `env:"DISCARD_POLICY" envDefault:"oldest"`
	DiscardThreshold  int           `env:"DISCARD_THRESHOLD" envDefault:"10000"`
	BlockTimeout      time.Duration `env:"BLOCK_TIMEOUT" envDefault:"1s"`
	TruncateOversize  bool          `env:"TRUNCATE_OVERSIZE" envDefault:"true"`
	RotationMode      string        `env:"ROTATION_MODE" envDefault:"none"`
	RotationThreshold int           `env:"ROTATION_THRESHOLD" envDefault:"0"`
	RotationInterval  time.Duration `env:"ROTATION_INTERVAL" envDefault:"0s"`
	RaceRetryLimit    int           `env:"RACE_RETRY_LIMIT" envDefault:"5"`
	InitialRetryDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"200ms"`
	MaxRetryDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Layout string `env:"LAYOUT" envDefault:"json"`
	Tags   string `env:"TAGS"`

	LogRootPath        string        `env:"LOG_PATH" envDefault:"/var/log/pods"`
	NodeName           string        `env:"NODE_NAME" envDefault:"unknown"`
	MinWorkers         int           `env:"MIN_WORKERS" envDefault:"2"`
	MaxWorkers         int           `env:"MAX_WORKERS" envDefault:"10"`
	QueueSize          int           `env:"QUEUE_SIZE" envDefault:"50"`
	ScanInterval       time.Duration `env:"SCAN_INTERVAL" envDefault:"30s"`
	ScaleUpThreshold   float64       `env:"SCALE_UP_THRESHOLD" envDefault:"0.9"`
	ScaleDownThreshold float64       `env:"SCALE_DOWN_THRESHOLD" envDefault:"0.3"`
	ScaleCheckInterval time.Duration `env:"SCALE_CHECK_INTERVAL" envDefault:"15s"`
	FileIdleTimeout    time.Duration `env:"FILE_IDLE_TIMEOUT" envDefault:"5m"`
	TailFromStart      bool          `env:"TAIL_FROM_START" envDefault:"false"`
	TailPoll           bool          `env:"TAIL_POLL" envDefault:"true"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
}

func loadConfig() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse environment")
	}
	return cfg, nil
}

func (c AppConfig) appenderConfig() (appender.Config, error) {
	policy, err := logging.ParseDiscardPolicy(c.DiscardPolicy)
	if err != nil {
		return appender.Config{}, err
	}
	rotation, err := logging.ParseRotationMode(c.RotationMode)
	if err != nil {
		return appender.Config{}, err
	}

	cfg := appender.DefaultConfig()
	cfg.Name = c.DestinationName
	cfg.Rotation = rotation
	cfg.RotationThreshold = c.RotationThreshold
	cfg.RotationInterval = c.RotationInterval

	cfg.Writer.BatchDelay = c.BatchDelay
	cfg.Writer.DiscardPolicy = policy
	cfg.Writer.DiscardThreshold = c.DiscardThreshold
	cfg.Writer.BlockTimeout = c.BlockTimeout
	cfg.Writer.TruncateOversize = c.TruncateOversize
	cfg.Writer.AutoRecreate = c.AutoRecreate
	cfg.Writer.ShutdownTimeout = c.ShutdownTimeout
	cfg.Writer.Retry.RaceRetryLimit = c.RaceRetryLimit
	cfg.Writer.Retry.InitialDelay = c.InitialRetryDelay
	cfg.Writer.Retry.MaxDelay = c.MaxRetryDelay

	return cfg, cfg.Validate()
}

func (c AppConfig) daemonConfig() daemon.Config {
	return daemon.Config{
		LogRootPath:        c.LogRootPath,
		ScanInterval:       c.ScanInterval,
		MinWorkers:         c.MinWorkers,
		MaxWorkers:         c.MaxWorkers,
		FileQueueSize:      c.QueueSize,
		NodeName:           c.NodeName,
		ScaleUpThreshold:   c.ScaleUpThreshold,
		ScaleDownThreshold: c.ScaleDownThreshold,
		ScaleCheckInterval: c.ScaleCheckInterval,
		FileIdleTimeout:    c.FileIdleTimeout,
		FromStart:          c.TailFromStart,
		Poll:               c.TailPoll,
	}
}

func (c AppConfig) destinationType() string {
	return strings.ToLower(strings.TrimSpace(c.DestinationType))
}
