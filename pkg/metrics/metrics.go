/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const modulePath = "github.com/couchbase/stellar-sdam"

type SdamMetrics struct {
	HeartbeatsStarted   metric.Int64Counter
	HeartbeatsSucceeded metric.Int64Counter
	HeartbeatsFailed    metric.Int64Counter
	HeartbeatDuration   metric.Float64Histogram
	DescriptionChanges  metric.Int64Counter
	PoolClears          metric.Int64Counter
	OpenServers         metric.Int64UpDownCounter
}

var (
	sdamMetrics     *SdamMetrics
	sdamMetricsLock sync.Mutex
)

func GetSdamMetrics() *SdamMetrics {
	sdamMetricsLock.Lock()

	if sdamMetrics != nil {
		sdamMetricsLock.Unlock()
		return sdamMetrics
	}

	sdamMetrics = NewSdamMetrics(otel.GetMeterProvider())

	sdamMetricsLock.Unlock()
	return sdamMetrics
}

var buildVersion = getBuildVersion()

// getBuildVersion reports the version of this module as recorded in the
// binary, which is only known when built as a dependency or with -buildvcs.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Path == modulePath && info.Main.Version != "" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "unknown"
}

// NewSdamMetrics builds the instruments from the given provider.  Most code
// wants GetSdamMetrics, which uses the global provider.
func NewSdamMetrics(provider metric.MeterProvider) *SdamMetrics {
	meter := provider.Meter(
		"com.couchbase.stellar-sdam",
		metric.WithInstrumentationVersion(buildVersion))

	heartbeatsStarted, _ := meter.Int64Counter("sdam_heartbeats_started_total")
	heartbeatsSucceeded, _ := meter.Int64Counter("sdam_heartbeats_succeeded_total")
	heartbeatsFailed, _ := meter.Int64Counter("sdam_heartbeats_failed_total")
	heartbeatDuration, _ := meter.Float64Histogram("sdam_heartbeat_duration",
		metric.WithUnit("s"),
		metric.WithDescription("time taken by each heartbeat"))
	descriptionChanges, _ := meter.Int64Counter("sdam_description_changes_total")
	poolClears, _ := meter.Int64Counter("sdam_pool_clears_total")
	openServers, _ := meter.Int64UpDownCounter("sdam_open_servers")

	return &SdamMetrics{
		HeartbeatsStarted:   heartbeatsStarted,
		HeartbeatsSucceeded: heartbeatsSucceeded,
		HeartbeatsFailed:    heartbeatsFailed,
		HeartbeatDuration:   heartbeatDuration,
		DescriptionChanges:  descriptionChanges,
		PoolClears:          poolClears,
		OpenServers:         openServers,
	}
}
