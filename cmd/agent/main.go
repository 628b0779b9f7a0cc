package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/CloudLogShipper/internal/appender"
	"github.com/Chichichkin/CloudLogShipper/internal/daemon"
	"github.com/Chichichkin/CloudLogShipper/internal/layout"
	"github.com/Chichichkin/CloudLogShipper/internal/logging"
	"github.com/Chichichkin/CloudLogShipper/internal/logging/stats"
	"github.com/Chichichkin/CloudLogShipper/internal/substitution"
)

const metricsNamespace = "log_shipper"

var flagOverrides struct {
	destinationType string
	destinationName string
	logPath         string
	metricsAddr     string
	logLevel        string
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Tail log files and ship them to CloudWatch Logs, Kinesis, SNS or Loki",
	Long: `Configuration is read from the environment (see AppConfig);
flags override the matching variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		return run(cfg)
	},
}

func init() {
	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flagOverrides.destinationType, "type", "", "destination `TYPE`: cloudwatch, kinesis, sns or loki")
	pflags.StringVar(&flagOverrides.destinationName, "destination", "", "destination `NAME`, may contain {tokens}")
	pflags.StringVar(&flagOverrides.logPath, "log-path", "", "root `DIR` to discover *.log files in")
	pflags.StringVar(&flagOverrides.metricsAddr, "metrics-addr", "", "`ADDR` to serve /metrics on, empty disables")
	pflags.StringVar(&flagOverrides.logLevel, "log-level", "", "logrus `LEVEL`")
}

func applyFlags(cmd *cobra.Command, cfg *AppConfig) {
	flags := cmd.Flags()
	if flags.Changed("type") {
		cfg.DestinationType = flagOverrides.destinationType
	}
	if flags.Changed("destination") {
		cfg.DestinationName = flagOverrides.destinationName
	}
	if flags.Changed("log-path") {
		cfg.LogRootPath = flagOverrides.logPath
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagOverrides.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagOverrides.logLevel
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg AppConfig) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.WithField("instance", uuid.NewString()), nil
}

func run(cfg AppConfig) error {
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, service, err := StartDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = serveMetrics(cfg, app, service, logger)
	}
	go reportStatistics(ctx, app, logger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signalChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	service.Stop()
	if !app.Shutdown(cfg.ShutdownTimeout) {
		logger.Warn("some messages were not flushed before the shutdown timeout")
	}
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}

	stamp := app.Statistics()
	logger.WithFields(logrus.Fields{
		"sent":      stamp.MessagesSent,
		"discarded": stamp.MessagesDiscarded,
	}).Info("stopped")
	return nil
}

// StartDaemon builds the destination appender and the tail service feeding it.
func StartDaemon(ctx context.Context, cfg AppConfig, logger *logrus.Entry) (*appender.Appender, *daemon.LogDaemonService, error) {
	appCfg, err := cfg.appenderConfig()
	if err != nil {
		return nil, nil, err
	}
	factory, err := newAdapterFactory(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	app, err := appender.New(appCfg, factory,
		appender.WithLogger(logger.WithField("component", "appender")),
		appender.WithSubstitutor(substitution.New()))
	if err != nil {
		return nil, nil, err
	}

	formatter, err := newFormatter(cfg)
	if err != nil {
		app.Shutdown(cfg.ShutdownTimeout)
		return nil, nil, err
	}

	service := daemon.NewLogDaemonService(ctx, cfg.daemonConfig(), app, formatter,
		daemon.WithLogger(logger.WithField("component", "daemon")))
	service.Start()

	return app, service, nil
}

func newFormatter(cfg AppConfig) (daemon.Formatter, error) {
	switch cfg.Layout {
	case "plain":
		return layout.Plain{}, nil
	case "json", "":
		tags, err := layout.ParseTags(cfg.Tags)
		if err != nil {
			return nil, err
		}
		return layout.NewJSON(layout.WithTags(tags)), nil
	}
	return nil, errors.Errorf("unknown layout %q", cfg.Layout)
}

func serveMetrics(cfg AppConfig, app *appender.Appender, service *daemon.LogDaemonService, logger *logrus.Entry) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stats.NewCollector(metricsNamespace, prometheus.Labels{"destination_type": cfg.destinationType()}, app.Statistics),
		daemon.NewMetricsCollector(metricsNamespace, service.Metrics),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if app.IsInitializationComplete() && app.State() != logging.WriterStopped {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	return server
}

// reportStatistics logs the aggregate statistics periodically and the
// outcome of the first initialization.
func reportStatistics(ctx context.Context, app *appender.Appender, logger *logrus.Entry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	initReported := false
	lastReport := time.Now()
	for {
		select {
		case <-ticker.C:
			if !initReported && app.IsInitializationComplete() {
				initReported = true
				entry := logger.WithFields(logrus.Fields{"destination": app.Destination(), "state": app.State()})
				if msg := app.Statistics().LastErrorMessage; msg != "" {
					entry.WithField("error", msg).Error("destination initialization failed")
				} else {
					entry.Info("destination ready")
				}
			}
			if time.Since(lastReport) >= 30*time.Second {
				lastReport = time.Now()
				stamp := app.Statistics()
				logger.WithFields(logrus.Fields{
					"destination":  stamp.ActualDestinationName,
					"sent":         stamp.MessagesSent,
					"discarded":    stamp.MessagesDiscarded,
					"race_retries": stamp.RaceRetries,
					"unrecovered":  stamp.UnrecoveredRaceRetries,
					"batches":      stamp.BatchesSent,
					"last_error":   stamp.LastErrorMessage,
				}).Info("shipper statistics")
			}
		case <-ctx.Done():
			return
		}
	}
}
