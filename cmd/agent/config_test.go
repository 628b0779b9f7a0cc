package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/CloudLogShipper/internal/layout"
	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/loki"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "cloudwatch", cfg.DestinationType)
	assert.Equal(t, "/var/log/pods", cfg.LogRootPath)
	assert.Equal(t, 2*time.Second, cfg.BatchDelay)
	assert.Equal(t, 10000, cfg.DiscardThreshold)
	assert.True(t, cfg.TailPoll)

	appCfg, err := cfg.appenderConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.RotationNone, appCfg.Rotation)
	assert.Equal(t, logging.DiscardOldest, appCfg.Writer.DiscardPolicy)
	assert.Equal(t, 5, appCfg.Writer.Retry.RaceRetryLimit)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("DESTINATION_TYPE", "Kinesis")
	t.Setenv("DISCARD_POLICY", "block")
	t.Setenv("ROTATION_MODE", "count")
	t.Setenv("ROTATION_THRESHOLD", "333")
	t.Setenv("BATCH_DELAY", "500ms")
	t.Setenv("SHARD_COUNT", "4")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "kinesis", cfg.destinationType())
	assert.Equal(t, int32(4), cfg.ShardCount)

	appCfg, err := cfg.appenderConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.DiscardBlock, appCfg.Writer.DiscardPolicy)
	assert.Equal(t, logging.RotationCount, appCfg.Rotation)
	assert.Equal(t, 333, appCfg.RotationThreshold)
	assert.Equal(t, 500*time.Millisecond, appCfg.Writer.BatchDelay)
}

func TestAppenderConfig_Invalid(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	bad := cfg
	bad.DiscardPolicy = "sometimes"
	_, err = bad.appenderConfig()
	assert.Error(t, err)

	bad = cfg
	bad.RotationMode = "bytes"
	_, err = bad.appenderConfig()
	assert.Error(t, err, "bytes rotation without a threshold")
}

func TestNewAdapterFactory(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	logger := logrus.WithField("test", t.Name())

	cfg.DestinationType = "loki"
	factory, err := newAdapterFactory(context.Background(), cfg, logger)
	require.NoError(t, err)
	adapter, err := factory(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &loki.Adapter{}, adapter)

	cfg.DestinationType = "carrier-pigeon"
	_, err = newAdapterFactory(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestNewFormatter(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	f, err := newFormatter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &layout.JSON{}, f)

	cfg.Layout = "plain"
	f, err = newFormatter(cfg)
	require.NoError(t, err)
	assert.IsType(t, layout.Plain{}, f)

	cfg.Layout = "xml"
	_, err = newFormatter(cfg)
	assert.Error(t, err)

	cfg.Layout = "json"
	cfg.Tags = "broken"
	_, err = newFormatter(cfg)
	assert.Error(t, err)
}
