package servermonitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/delay"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/couchbase/stellar-sdam/core/events"
	"github.com/couchbase/stellar-sdam/core/rttmonitor"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// RoundTripTimeMonitor is the part of rttmonitor.Monitor used by the
// server monitor.
type RoundTripTimeMonitor interface {
	Start()
	IsStarted() bool
	Average() time.Duration
	AddSample(sample time.Duration)
	Reset()
	Close()
}

var _ RoundTripTimeMonitor = (*rttmonitor.Monitor)(nil)

type DescriptionChangedHandler func(previous, current *description.ServerDescription)

type Options struct {
	ServerID          description.ServerID
	ConnectionFactory connection.Factory
	Settings          *Settings
	Subscriber        events.Subscriber
	Logger            *zap.Logger

	// RTTMonitor replaces the round trip time monitor which is otherwise
	// created over ConnectionFactory.
	RTTMonitor RoundTripTimeMonitor

	// Getenv is used to detect function-as-a-service environments.  Defaults
	// to os.Getenv.
	Getenv func(string) string
}

type monitorState int

const (
	stateUninitialized monitorState = iota
	stateOpen
	stateClosed
)

type handlerEntry struct {
	id      uuid.UUID
	handler DescriptionChangedHandler
}

// ServerMonitor runs the heartbeat loop for a single server, publishing an
// updated ServerDescription after every check.
type ServerMonitor struct {
	serverID         description.ServerID
	factory          connection.Factory
	settings         *Settings
	subscriber       events.Subscriber
	logger           *zap.Logger
	rtt              RoundTripTimeMonitor
	streamingEnabled bool
	tracer           trace.Tracer

	baseDescription *description.ServerDescription
	description     atomic.Pointer[description.ServerDescription]

	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}

	lock           sync.Mutex
	state          monitorState
	conn           connection.Connection
	heartbeatDelay *delay.AdaptiveDelay
	checkCtx       context.Context
	checkCancel    func()
	handlers       []handlerEntry
}

func New(opts *Options) (*ServerMonitor, error) {
	if opts == nil || opts.ConnectionFactory == nil {
		return nil, fmt.Errorf("%w: a connection factory is required", ErrInvalidArgument)
	}

	settings := opts.Settings.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("address", opts.ServerID.Address))

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	rtt := opts.RTTMonitor
	if rtt == nil {
		rtt = rttmonitor.New(&rttmonitor.Options{
			ServerID:          opts.ServerID,
			Address:           opts.ServerID.Address,
			ConnectionFactory: opts.ConnectionFactory,
			Frequency:         settings.HeartbeatInterval,
			Logger:            logger.Named("rttmonitor"),
		})
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	m := &ServerMonitor{
		serverID:         opts.ServerID,
		factory:          opts.ConnectionFactory,
		settings:         settings,
		subscriber:       events.OrNop(opts.Subscriber),
		logger:           logger,
		rtt:              rtt,
		streamingEnabled: isStreamingEnabled(settings.MonitoringMode, getenv),
		tracer:           otel.Tracer("github.com/couchbase/stellar-sdam/core/servermonitor"),
		baseDescription: description.NewServerDescription(opts.ServerID,
			description.WithHeartbeatInterval(settings.HeartbeatInterval)),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		closeCh:   make(chan struct{}),
	}
	m.description.Store(m.baseDescription)

	return m, nil
}

func (m *ServerMonitor) ServerID() description.ServerID {
	return m.serverID
}

// Description returns the most recently published description.  Before
// Initialize and after Close this is the initial unknown description.
func (m *ServerMonitor) Description() *description.ServerDescription {
	return m.description.Load()
}

func (m *ServerMonitor) IsStreamingEnabled() bool {
	return m.streamingEnabled
}

// OnDescriptionChanged registers a handler invoked, from the heartbeat
// goroutine, every time the published description changes.  The returned
// function removes the handler.
func (m *ServerMonitor) OnDescriptionChanged(handler func(previous, current *description.ServerDescription)) func() {
	id := uuid.New()

	m.lock.Lock()
	m.handlers = append(m.handlers, handlerEntry{id: id, handler: handler})
	m.lock.Unlock()

	return func() {
		m.lock.Lock()
		m.handlers = slices.DeleteFunc(m.handlers, func(e handlerEntry) bool {
			return e.id == id
		})
		m.lock.Unlock()
	}
}

// Initialize starts the heartbeat loop and the round trip time monitor.
func (m *ServerMonitor) Initialize() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.state != stateUninitialized {
		return
	}
	m.state = stateOpen
	m.checkCtx, m.checkCancel = context.WithCancel(m.ctx)

	m.logger.Debug("starting server monitor",
		zap.Bool("streaming", m.streamingEnabled),
		zap.Duration("heartbeatInterval", m.settings.HeartbeatInterval))

	m.rtt.Start()
	go m.procThread()
}

// RequestHeartbeat makes the next check happen as soon as the minimum
// heartbeat interval allows.
func (m *ServerMonitor) RequestHeartbeat() {
	m.lock.Lock()
	heartbeatDelay := m.heartbeatDelay
	m.lock.Unlock()

	if heartbeatDelay != nil {
		heartbeatDelay.RequestEarlyCompletion()
	}
}

// CancelCurrentCheck aborts an in-flight check and discards the heartbeat
// connection, so the next check starts with a new one.
func (m *ServerMonitor) CancelCurrentCheck() {
	m.lock.Lock()
	if m.state != stateOpen {
		m.lock.Unlock()
		return
	}

	conn := m.conn
	m.conn = nil
	m.checkCancel()
	m.checkCtx, m.checkCancel = context.WithCancel(m.ctx)
	m.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Invalidate marks the server unknown until a later check reports it again.
// The topology version is that of the response which caused the
// invalidation, if any.
func (m *ServerMonitor) Invalidate(reason string, topologyVersion *description.TopologyVersion) {
	m.setDescription(reason,
		description.WithUnknown(),
		description.WithTopologyVersion(topologyVersion),
		description.WithHeartbeatError(nil))
}

// Close stops the heartbeat loop and releases the heartbeat connection and
// round trip time monitor.  It is safe to call Close more than once.
func (m *ServerMonitor) Close() {
	m.lock.Lock()
	if m.state == stateClosed {
		m.lock.Unlock()
		return
	}
	wasOpen := m.state == stateOpen
	m.state = stateClosed
	m.ctxCancel()
	m.lock.Unlock()

	if wasOpen {
		<-m.closeCh
	}

	m.lock.Lock()
	conn := m.conn
	m.conn = nil
	m.lock.Unlock()

	if conn != nil {
		err := conn.Close()
		if err != nil {
			m.logger.Debug("failed to close heartbeat connection", zap.Error(err))
		}
	}

	m.rtt.Close()
	m.description.Store(m.baseDescription)

	m.logger.Debug("server monitor closed")
}

func (m *ServerMonitor) procThread() {
	metronome := delay.NewMetronome(m.settings.HeartbeatInterval)

	for m.ctx.Err() == nil {
		m.lock.Lock()
		checkCtx := m.checkCtx
		m.lock.Unlock()

		m.runHeartbeat(checkCtx)
		if m.ctx.Err() != nil {
			break
		}

		heartbeatDelay := delay.New(metronome.NextTickDelay(), m.settings.MinHeartbeatInterval)
		m.lock.Lock()
		m.heartbeatDelay = heartbeatDelay
		m.lock.Unlock()

		_ = heartbeatDelay.Wait(m.ctx)
		heartbeatDelay.Close()
	}

	close(m.closeCh)
}

func (m *ServerMonitor) runHeartbeat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unexpected failure in server monitor", zap.Any("panic", r))

			m.setDescription("Heartbeat",
				description.WithUnknown(),
				description.WithHeartbeatError(fmt.Errorf("unexpected server monitor failure: %v", r)))
		}
	}()

	m.heartbeat(ctx)
}

// heartbeat performs checks until one is followed by the regular heartbeat
// delay.  Streaming servers pace their own replies, so after a streamed reply
// the next check starts immediately, as does a retry after a known server
// failed with a network error.
func (m *ServerMonitor) heartbeat(ctx context.Context) {
	moreToCome := false
	processAnother := true

	for processAnother && ctx.Err() == nil {
		previous := m.Description()

		var hello *description.HelloResult
		var heartbeatErr error

		m.lock.Lock()
		conn := m.conn
		m.lock.Unlock()

		if conn == nil {
			newConn, err := m.initializeConnection(ctx)
			if err == nil {
				m.lock.Lock()
				if m.state == stateClosed || ctx.Err() != nil {
					m.lock.Unlock()
					_ = newConn.Close()
					return
				}
				m.conn = newConn
				m.lock.Unlock()

				hello = newConn.HelloResult()
			} else {
				heartbeatErr = err
			}
		} else {
			hello, moreToCome, heartbeatErr = m.checkServer(ctx, conn, previous, moreToCome)
		}

		if heartbeatErr != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.Debug("server check failed", zap.Error(heartbeatErr))

			moreToCome = false
			m.rtt.Reset()

			m.lock.Lock()
			toClose := m.conn
			m.conn = nil
			m.lock.Unlock()

			if toClose != nil {
				_ = toClose.Close()
			}
		}

		if ctx.Err() != nil {
			return
		}

		current := m.publishHeartbeatResult(hello, heartbeatErr)

		serverSupportsStreaming := current.Type != description.ServerTypeUnknown &&
			hello != nil &&
			hello.SupportsStreaming()
		transitionedWithNetworkError := isNetworkError(heartbeatErr) &&
			previous.Type != description.ServerTypeUnknown

		processAnother = (m.streamingEnabled && (serverSupportsStreaming || moreToCome)) ||
			transitionedWithNetworkError
	}
}

func (m *ServerMonitor) initializeConnection(ctx context.Context) (connection.Connection, error) {
	conn, err := m.factory.CreateConnection(m.serverID, m.serverID.Address)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, m.settings.ConnectTimeout)
	defer cancel()

	start := time.Now()
	err = conn.Open(openCtx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	m.rtt.AddSample(time.Since(start))
	return conn, nil
}

// checkServer performs a single hello round trip, or, when the previous reply
// indicated more replies are coming, reads the next streamed reply.
func (m *ServerMonitor) checkServer(
	ctx context.Context,
	conn connection.Connection,
	previous *description.ServerDescription,
	moreToCome bool,
) (*description.HelloResult, bool, error) {
	awaitable := m.streamingEnabled && previous.TopologyVersion != nil

	ctx, span := m.tracer.Start(ctx, "sdam.heartbeat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", m.serverID.Address),
			attribute.Bool("sdam.awaited", awaitable)))
	defer span.End()

	m.publish(events.ServerHeartbeatStarted{
		ConnectionID: conn.ID(),
		Awaited:      awaitable,
	})

	start := time.Now()
	hello, reply, nextMoreToCome, err := m.roundTrip(ctx, conn, previous, awaitable, moreToCome)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")

		// cancelled checks are not failures of the server
		if ctx.Err() == nil {
			m.publish(events.ServerHeartbeatFailed{
				ConnectionID: conn.ID(),
				Duration:     elapsed,
				Awaited:      awaitable,
				Err:          err,
			})
		}
		return nil, false, err
	}

	if !awaitable {
		m.rtt.AddSample(elapsed)
	}

	m.publish(events.ServerHeartbeatSucceeded{
		ConnectionID: conn.ID(),
		Duration:     elapsed,
		Awaited:      awaitable,
		Reply:        reply,
	})

	return hello, nextMoreToCome, nil
}

func (m *ServerMonitor) roundTrip(
	ctx context.Context,
	conn connection.Connection,
	previous *description.ServerDescription,
	awaitable bool,
	moreToCome bool,
) (*description.HelloResult, bson.Raw, bool, error) {
	timeout := m.settings.ConnectTimeout
	if awaitable {
		timeout += m.settings.HeartbeatInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !moreToCome {
		opts := &connection.HelloCommandOptions{
			HelloOK: previous.HelloOK,
		}
		if awaitable {
			opts.TopologyVersion = previous.TopologyVersion
			opts.MaxAwaitTime = m.settings.HeartbeatInterval
		}

		cmd, err := connection.HelloCommand(opts)
		if err != nil {
			return nil, nil, false, err
		}

		err = conn.SendCommand(ctx, cmd, awaitable)
		if err != nil {
			return nil, nil, false, err
		}
	}

	resp, err := conn.ReceiveResponse(ctx)
	if err != nil {
		return nil, nil, false, err
	}

	err = connection.CheckReply(conn.ID(), resp.Body)
	if err != nil {
		return nil, nil, false, err
	}

	hello, err := description.ParseHelloResult(resp.Body)
	if err != nil {
		return nil, nil, false, err
	}

	return hello, resp.Body, resp.MoreToCome, nil
}

func (m *ServerMonitor) publishHeartbeatResult(
	hello *description.HelloResult,
	heartbeatErr error,
) *description.ServerDescription {
	var opts []description.Option
	if hello != nil {
		opts = append(opts, description.WithHelloResult(hello))
	} else {
		opts = append(opts, description.WithUnknown())
	}

	var topologyVersion *description.TopologyVersion
	if heartbeatErr != nil {
		var cmdErr *connection.CommandError
		if errors.As(heartbeatErr, &cmdErr) {
			topologyVersion = cmdErr.TopologyVersion
		}
		opts = append(opts, description.WithTopologyVersion(topologyVersion))
	}
	opts = append(opts, description.WithHeartbeatError(heartbeatErr))

	return m.setDescription("Heartbeat", opts...)
}

// setDescription derives the next description from the current one.  Change
// notifications are only raised when a field other than the round trip time,
// timestamps and reason actually changed.
func (m *ServerMonitor) setDescription(reason string, opts ...description.Option) *description.ServerDescription {
	m.lock.Lock()
	previous := m.description.Load()
	if m.state == stateClosed {
		m.lock.Unlock()
		return previous
	}

	next := previous.With(opts...)
	changed := next != previous

	now := time.Now()
	next = next.With(
		description.WithAverageRoundTripTime(m.rtt.Average()),
		description.WithLastHeartbeatTime(now),
		description.WithLastUpdateTime(now),
		description.WithReasonChanged(reason))
	m.description.Store(next)

	var handlers []DescriptionChangedHandler
	if changed {
		for _, e := range m.handlers {
			handlers = append(handlers, e.handler)
		}
	}
	m.lock.Unlock()

	if changed {
		m.subscriber.Publish(events.ServerDescriptionChanged{
			ServerID:            m.serverID,
			PreviousDescription: previous,
			NewDescription:      next,
		})

		for _, handler := range handlers {
			handler(previous, next)
		}
	}

	return next
}

func (m *ServerMonitor) publish(evt events.Event) {
	m.lock.Lock()
	closed := m.state == stateClosed
	m.lock.Unlock()

	if !closed {
		m.subscriber.Publish(evt)
	}
}

func isNetworkError(err error) bool {
	var connErr *connection.ConnectionError
	return errors.As(err, &connErr) && connErr.IsNetworkError()
}
