package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"

	"github.com/couchbase/stellar-sdam/core/events"
	"github.com/couchbase/stellar-sdam/pkg/app_config"
	"github.com/couchbase/stellar-sdam/pkg/metrics"
	"github.com/couchbase/stellar-sdam/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion = getBuildVersion()

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "sdam-monitor",
	Short: "Monitors the servers of a cluster over gRPC health checking",

	Run: func(cmd *cobra.Command, args []string) {
		startMonitor()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := app_config.ConfigFlags()
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sdam")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("couchbase-sdam-monitor"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(
					metricExp,
				),
			),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func readConfig(logger *zap.Logger) (*app_config.MonitorConfig, error) {
	config, err := app_config.ReadMonitorConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger.Info("parsed monitor configuration", config.ZapFields()...)
	return config, nil
}

// seedFileConfig is the format of the file named by --seed-file.
type seedFileConfig struct {
	ConnectionString string `json:"connectionString"`
}

func startMonitor() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting sdam-monitor", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config, err := readConfig(logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	parsedLogLevel, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup telemetry
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.OtlpEndpoint,
			!config.DisableOtlpTraces,
			!config.DisableOtlpMetrics,
			config.TraceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	subscriber := events.Multi(
		events.NewLogSubscriber(logger.Named("events")),
		metrics.NewSubscriber(metrics.GetSdamMetrics()))

	servers := newFleet(fleetOptions{
		Config:     config,
		Subscriber: subscriber,
		Logger:     logger.Named("fleet"),
	})

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.BindAddress, config.WebPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Servers:       servers,
	})

	connStr := config.Seeds
	var seedWatcher *app_config.ConfigWatcher[seedFileConfig]
	if config.SeedFile != "" {
		seedWatcher, err = app_config.NewConfigWatcher[seedFileConfig](config.SeedFile, logger.Named("seedfile"))
		if err != nil {
			logger.Error("failed to watch seed file", zap.Error(err))
			os.Exit(1)
		}

		seedFile, err := seedWatcher.ReadConfig()
		if err != nil {
			logger.Error("failed to read seed file", zap.Error(err))
			os.Exit(1)
		}
		connStr = seedFile.ConnectionString
	}

	seeds, err := app_config.ParseSeedList(connStr)
	if err != nil {
		logger.Error("invalid seed list", zap.Error(err))
		os.Exit(1)
	}

	err = servers.Sync(seeds)
	if err != nil {
		logger.Warn("failed to start some servers", zap.Error(err))
	}

	if seedWatcher != nil {
		seedCh := make(chan seedFileConfig)
		defer seedWatcher.Subscribe(seedCh)()

		go func() {
			for seedFile := range seedCh {
				seeds, err := app_config.ParseSeedList(seedFile.ConnectionString)
				if err != nil {
					logger.Warn("ignoring invalid seed list", zap.Error(err))
					continue
				}

				logger.Info("seed list changed", zap.Strings("addresses", seeds.Addresses))
				err = servers.Sync(seeds)
				if err != nil {
					logger.Warn("failed to apply seed list", zap.Error(err))
				}
			}
		}()
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig, err := readConfig(logger)
		if err != nil {
			logger.Warn("ignoring invalid configuration", zap.Error(err))
			return
		}

		if newConfig.Seeds != config.Seeds ||
			newConfig.SeedFile != config.SeedFile {
			logger.Warn("config changes for seeds or seedFile require a restart, use a seed file to change servers")
		}

		if newConfig.HeartbeatInterval != config.HeartbeatInterval ||
			newConfig.MinHeartbeatInterval != config.MinHeartbeatInterval ||
			newConfig.ConnectTimeout != config.ConnectTimeout ||
			newConfig.MonitoringMode != config.MonitoringMode ||
			newConfig.LoadBalanced != config.LoadBalanced {
			logger.Warn("config changes for heartbeat settings, monitoringMode, or loadBalanced only apply to new servers")
		}

		if newConfig.BindAddress != config.BindAddress ||
			newConfig.WebPort != config.WebPort ||
			newConfig.OtlpEndpoint != config.OtlpEndpoint {
			logger.Warn("config changes for bindAddress, webPort, or otlpEndpoint require a restart")
		}

		if newConfig.LogLevel != config.LogLevel {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.LogLevel)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration...")
			reloadConfiguration()
			continue
		}

		logger.Info("Received shutdown signal, stopping monitors...", zap.Stringer("signal", sig))
		break
	}

	if seedWatcher != nil {
		_ = seedWatcher.Close()
	}

	err = servers.Close()
	if err != nil {
		logger.Warn("failed to close some servers", zap.Error(err))
	}

	if otlpMeterProvider != nil {
		_ = otlpMeterProvider.Shutdown(context.Background())
	}
	if otlpTracerProvider != nil {
		_ = otlpTracerProvider.Shutdown(context.Background())
	}

	logger.Info("sdam-monitor shutdown gracefully")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
