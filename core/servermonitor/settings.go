package servermonitor

import (
	"fmt"
	"strings"
	"time"
)

type MonitoringMode int

const (
	// MonitoringModeAuto streams unless running inside a function-as-a-service
	// environment, where long lived awaitable commands are undesirable.
	MonitoringModeAuto MonitoringMode = iota
	MonitoringModeStream
	MonitoringModePoll
)

func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeAuto:
		return "auto"
	case MonitoringModeStream:
		return "stream"
	case MonitoringModePoll:
		return "poll"
	}
	return fmt.Sprintf("MonitoringMode(%d)", int(m))
}

func ParseMonitoringMode(s string) (MonitoringMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return MonitoringModeAuto, nil
	case "stream":
		return MonitoringModeStream, nil
	case "poll":
		return MonitoringModePoll, nil
	}
	return MonitoringModeAuto, fmt.Errorf("unknown server monitoring mode %q", s)
}

type Settings struct {
	HeartbeatInterval    time.Duration
	MinHeartbeatInterval time.Duration
	ConnectTimeout       time.Duration
	MonitoringMode       MonitoringMode
}

func DefaultSettings() *Settings {
	return &Settings{
		HeartbeatInterval:    10 * time.Second,
		MinHeartbeatInterval: 500 * time.Millisecond,
		ConnectTimeout:       30 * time.Second,
		MonitoringMode:       MonitoringModeAuto,
	}
}

func (s *Settings) withDefaults() *Settings {
	defaults := DefaultSettings()
	if s == nil {
		return defaults
	}

	out := *s
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if out.MinHeartbeatInterval == 0 {
		out.MinHeartbeatInterval = defaults.MinHeartbeatInterval
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = defaults.ConnectTimeout
	}
	return &out
}

// isFaaS detects the well known function-as-a-service platforms from their
// environment variables.
func isFaaS(getenv func(string) string) bool {
	if strings.HasPrefix(getenv("AWS_EXECUTION_ENV"), "AWS_Lambda_") ||
		getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	if getenv("FUNCTIONS_WORKER_RUNTIME") != "" {
		return true
	}
	if getenv("K_SERVICE") != "" || getenv("FUNCTION_NAME") != "" {
		return true
	}
	if getenv("VERCEL") != "" {
		return true
	}
	return false
}

func isStreamingEnabled(mode MonitoringMode, getenv func(string) string) bool {
	switch mode {
	case MonitoringModeStream:
		return true
	case MonitoringModePoll:
		return false
	}
	return !isFaaS(getenv)
}
