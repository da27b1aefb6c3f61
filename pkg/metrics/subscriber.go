package metrics

import (
	"context"

	"github.com/couchbase/stellar-sdam/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type subscriber struct {
	metrics *SdamMetrics
}

// NewSubscriber returns an events.Subscriber which records monitoring events
// into m.
func NewSubscriber(m *SdamMetrics) events.Subscriber {
	return &subscriber{
		metrics: m,
	}
}

func (s *subscriber) Publish(evt events.Event) {
	ctx := context.Background()

	switch evt := evt.(type) {
	case events.ServerOpened:
		s.metrics.OpenServers.Add(ctx, 1, addressAttr(evt.ServerID.Address))
	case events.ServerClosed:
		s.metrics.OpenServers.Add(ctx, -1, addressAttr(evt.ServerID.Address))
	case events.ServerHeartbeatStarted:
		s.metrics.HeartbeatsStarted.Add(ctx, 1,
			heartbeatAttrs(evt.ConnectionID.ServerID.Address, evt.Awaited))
	case events.ServerHeartbeatSucceeded:
		attrs := heartbeatAttrs(evt.ConnectionID.ServerID.Address, evt.Awaited)
		s.metrics.HeartbeatsSucceeded.Add(ctx, 1, attrs)
		s.metrics.HeartbeatDuration.Record(ctx, evt.Duration.Seconds(), attrs)
	case events.ServerHeartbeatFailed:
		attrs := heartbeatAttrs(evt.ConnectionID.ServerID.Address, evt.Awaited)
		s.metrics.HeartbeatsFailed.Add(ctx, 1, attrs)
		s.metrics.HeartbeatDuration.Record(ctx, evt.Duration.Seconds(), attrs)
	case events.ServerDescriptionChanged:
		s.metrics.DescriptionChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("address", evt.ServerID.Address),
			attribute.String("type", evt.NewDescription.Type.String())))
	case events.ConnectionPoolCleared:
		s.metrics.PoolClears.Add(ctx, 1, metric.WithAttributes(
			attribute.String("address", evt.ServerID.Address),
			attribute.String("reason", evt.Reason)))
	}
}

func addressAttr(address string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("address", address))
}

func heartbeatAttrs(address string, awaited bool) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("address", address),
		attribute.Bool("awaited", awaited))
}
