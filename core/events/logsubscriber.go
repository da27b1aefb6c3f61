package events

import (
	"go.uber.org/zap"
)

type logSubscriber struct {
	logger *zap.Logger
}

// NewLogSubscriber returns a Subscriber writing every event to logger.
// Heartbeats are logged at debug level, everything else at info.
func NewLogSubscriber(logger *zap.Logger) Subscriber {
	return &logSubscriber{
		logger: logger,
	}
}

func (s *logSubscriber) Publish(evt Event) {
	switch evt := evt.(type) {
	case ServerOpening:
		s.logger.Info("server opening",
			zap.Stringer("serverId", evt.ServerID))
	case ServerOpened:
		s.logger.Info("server opened",
			zap.Stringer("serverId", evt.ServerID),
			zap.Duration("duration", evt.Duration))
	case ServerClosing:
		s.logger.Info("server closing",
			zap.Stringer("serverId", evt.ServerID))
	case ServerClosed:
		s.logger.Info("server closed",
			zap.Stringer("serverId", evt.ServerID),
			zap.Duration("duration", evt.Duration))
	case ServerHeartbeatStarted:
		s.logger.Debug("server heartbeat started",
			zap.Stringer("connectionId", evt.ConnectionID),
			zap.Bool("awaited", evt.Awaited))
	case ServerHeartbeatSucceeded:
		s.logger.Debug("server heartbeat succeeded",
			zap.Stringer("connectionId", evt.ConnectionID),
			zap.Duration("duration", evt.Duration),
			zap.Bool("awaited", evt.Awaited))
	case ServerHeartbeatFailed:
		s.logger.Debug("server heartbeat failed",
			zap.Stringer("connectionId", evt.ConnectionID),
			zap.Duration("duration", evt.Duration),
			zap.Bool("awaited", evt.Awaited),
			zap.Error(evt.Err))
	case ServerDescriptionChanged:
		fields := []zap.Field{
			zap.Stringer("serverId", evt.ServerID),
			zap.Stringer("previousType", evt.PreviousDescription.Type),
			zap.Stringer("newType", evt.NewDescription.Type),
			zap.Stringer("newState", evt.NewDescription.State),
			zap.String("reason", evt.NewDescription.ReasonChanged),
		}
		if evt.NewDescription.TopologyVersion != nil {
			fields = append(fields, zap.Stringer("topologyVersion", evt.NewDescription.TopologyVersion))
		}
		if evt.NewDescription.HeartbeatErr != nil {
			fields = append(fields, zap.NamedError("heartbeatError", evt.NewDescription.HeartbeatErr))
		}
		s.logger.Info("server description changed", fields...)
	case ConnectionPoolCleared:
		fields := []zap.Field{
			zap.Stringer("serverId", evt.ServerID),
			zap.String("reason", evt.Reason),
		}
		if evt.ServiceID != nil {
			fields = append(fields, zap.String("serviceId", evt.ServiceID.Hex()))
		}
		s.logger.Info("connection pool cleared", fields...)
	default:
		s.logger.Debug("unrecognized monitoring event", zap.Any("event", evt))
	}
}
