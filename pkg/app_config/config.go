package app_config

import (
	"time"

	"github.com/couchbase/stellar-sdam/core/servermonitor"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	KeyLogLevel             = "log-level"
	KeySeeds                = "seeds"
	KeySeedFile             = "seed-file"
	KeyHeartbeatInterval    = "heartbeat-interval"
	KeyMinHeartbeatInterval = "min-heartbeat-interval"
	KeyConnectTimeout       = "connect-timeout"
	KeyMonitoringMode       = "monitoring-mode"
	KeyLoadBalanced         = "load-balanced"
	KeyPoolSize             = "pool-size"
	KeyHealthService        = "health-service"
	KeyUsername             = "username"
	KeyPassword             = "password"
	KeyBindAddress          = "bind-address"
	KeyWebPort              = "web-port"
	KeyOtlpEndpoint         = "otlp-endpoint"
	KeyDisableOtlpTraces    = "disable-otlp-traces"
	KeyDisableOtlpMetrics   = "disable-otlp-metrics"
	KeyTraceEverything      = "trace-everything"
)

// ConfigFlags returns the flags which make up a MonitorConfig.  They are
// meant to be bound into viper, so that config files and the environment
// can provide the same keys.
func ConfigFlags() *pflag.FlagSet {
	defaults := servermonitor.DefaultSettings()

	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.String(KeyLogLevel, "info", "the log level to run at")
	flags.String(KeySeeds, "grpc://localhost", "connection string listing the servers to monitor")
	flags.String(KeySeedFile, "", "json file providing the connection string, watched for changes")
	flags.Duration(KeyHeartbeatInterval, defaults.HeartbeatInterval, "time between heartbeats")
	flags.Duration(KeyMinHeartbeatInterval, defaults.MinHeartbeatInterval, "minimum time between requested heartbeats")
	flags.Duration(KeyConnectTimeout, defaults.ConnectTimeout, "timeout for connecting and for each heartbeat")
	flags.String(KeyMonitoringMode, defaults.MonitoringMode.String(), "one of auto, stream or poll")
	flags.Bool(KeyLoadBalanced, false, "treat every seed as a load balancer")
	flags.Int(KeyPoolSize, 16, "maximum connections per server")
	flags.String(KeyHealthService, "", "the health checking service name")
	flags.String(KeyUsername, "", "the username sent with health checks")
	flags.String(KeyPassword, "", "the password sent with health checks")
	flags.String(KeyBindAddress, "0.0.0.0", "the local address to bind to")
	flags.Int(KeyWebPort, 9091, "the web metrics/health port")
	flags.String(KeyOtlpEndpoint, "", "opentelemetry endpoint to send telemetry to")
	flags.Bool(KeyDisableOtlpTraces, false, "disable sending traces to otlp")
	flags.Bool(KeyDisableOtlpMetrics, false, "disable sending metrics to otlp")
	flags.Bool(KeyTraceEverything, false, "enables tracing of every heartbeat")
	return flags
}

type MonitorConfig struct {
	LogLevel string

	Seeds    string
	SeedFile string

	HeartbeatInterval    time.Duration
	MinHeartbeatInterval time.Duration
	ConnectTimeout       time.Duration
	MonitoringMode       servermonitor.MonitoringMode
	LoadBalanced         bool
	PoolSize             int

	HealthService string
	Username      string
	Password      string

	BindAddress string
	WebPort     int

	OtlpEndpoint       string
	DisableOtlpTraces  bool
	DisableOtlpMetrics bool
	TraceEverything    bool
}

func ReadMonitorConfig(v *viper.Viper) (*MonitorConfig, error) {
	mode, err := servermonitor.ParseMonitoringMode(v.GetString(KeyMonitoringMode))
	if err != nil {
		return nil, errors.Wrap(err, "invalid "+KeyMonitoringMode)
	}

	cfg := &MonitorConfig{
		LogLevel:             v.GetString(KeyLogLevel),
		Seeds:                v.GetString(KeySeeds),
		SeedFile:             v.GetString(KeySeedFile),
		HeartbeatInterval:    v.GetDuration(KeyHeartbeatInterval),
		MinHeartbeatInterval: v.GetDuration(KeyMinHeartbeatInterval),
		ConnectTimeout:       v.GetDuration(KeyConnectTimeout),
		MonitoringMode:       mode,
		LoadBalanced:         v.GetBool(KeyLoadBalanced),
		PoolSize:             v.GetInt(KeyPoolSize),
		HealthService:        v.GetString(KeyHealthService),
		Username:             v.GetString(KeyUsername),
		Password:             v.GetString(KeyPassword),
		BindAddress:          v.GetString(KeyBindAddress),
		WebPort:              v.GetInt(KeyWebPort),
		OtlpEndpoint:         v.GetString(KeyOtlpEndpoint),
		DisableOtlpTraces:    v.GetBool(KeyDisableOtlpTraces),
		DisableOtlpMetrics:   v.GetBool(KeyDisableOtlpMetrics),
		TraceEverything:      v.GetBool(KeyTraceEverything),
	}

	if cfg.HeartbeatInterval < 0 || cfg.MinHeartbeatInterval < 0 || cfg.ConnectTimeout < 0 {
		return nil, errors.New("heartbeat intervals and timeouts must not be negative")
	}

	return cfg, nil
}

// MonitorSettings returns the settings for server monitors, with any
// overrides from the seed list applied.
func (c *MonitorConfig) MonitorSettings(seeds *SeedList) *servermonitor.Settings {
	settings := &servermonitor.Settings{
		HeartbeatInterval:    c.HeartbeatInterval,
		MinHeartbeatInterval: c.MinHeartbeatInterval,
		ConnectTimeout:       c.ConnectTimeout,
		MonitoringMode:       c.MonitoringMode,
	}

	if seeds != nil {
		if seeds.HeartbeatInterval > 0 {
			settings.HeartbeatInterval = seeds.HeartbeatInterval
		}
		if seeds.ConnectTimeout > 0 {
			settings.ConnectTimeout = seeds.ConnectTimeout
		}
		if seeds.MonitoringMode != nil {
			settings.MonitoringMode = *seeds.MonitoringMode
		}
	}

	return settings
}

// IsLoadBalanced reports whether servers from seeds are load balancers.
func (c *MonitorConfig) IsLoadBalanced(seeds *SeedList) bool {
	if seeds != nil && seeds.LoadBalanced != nil {
		return *seeds.LoadBalanced
	}
	return c.LoadBalanced
}

func (c *MonitorConfig) ZapFields() []zap.Field {
	return []zap.Field{
		zap.String("logLevel", c.LogLevel),
		zap.String("seeds", c.Seeds),
		zap.String("seedFile", c.SeedFile),
		zap.Duration("heartbeatInterval", c.HeartbeatInterval),
		zap.Duration("minHeartbeatInterval", c.MinHeartbeatInterval),
		zap.Duration("connectTimeout", c.ConnectTimeout),
		zap.Stringer("monitoringMode", c.MonitoringMode),
		zap.Bool("loadBalanced", c.LoadBalanced),
		zap.Int("poolSize", c.PoolSize),
		zap.String("healthService", c.HealthService),
		zap.String("username", c.Username),
		zap.String("bindAddress", c.BindAddress),
		zap.Int("webPort", c.WebPort),
		zap.String("otlpEndpoint", c.OtlpEndpoint),
		zap.Bool("disableOtlpTraces", c.DisableOtlpTraces),
		zap.Bool("disableOtlpMetrics", c.DisableOtlpMetrics),
		zap.Bool("traceEverything", c.TraceEverything),
	}
}
