package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-sdam/core/clusterclock"
	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/couchbase/stellar-sdam/core/events"
	"github.com/couchbase/stellar-sdam/core/servermonitor"
	"github.com/couchbase/stellar-sdam/utils/latestonlychannel"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Monitor is the heartbeat monitor backing a Server.  It is implemented by
// servermonitor.ServerMonitor.
type Monitor interface {
	Initialize()
	Description() *description.ServerDescription
	RequestHeartbeat()
	CancelCurrentCheck()
	Invalidate(reason string, topologyVersion *description.TopologyVersion)
	OnDescriptionChanged(handler func(previous, current *description.ServerDescription)) func()
	Close()
}

var _ Monitor = (*servermonitor.ServerMonitor)(nil)

type Options struct {
	ClusterID    description.ClusterID
	Address      string
	ClusterClock *clusterclock.ClusterClock
	Pool         connection.Pool

	// Monitor is built from ConnectionFactory and MonitorSettings when not
	// provided.  Load balanced servers are never monitored.
	Monitor           Monitor
	ConnectionFactory connection.Factory
	MonitorSettings   *servermonitor.Settings

	LoadBalanced bool
	Subscriber   events.Subscriber
	Logger       *zap.Logger
}

type serverState int

const (
	stateUninitialized serverState = iota
	stateInitializing
	stateOpen
	stateClosed
)

type handlerEntry struct {
	id      uuid.UUID
	handler func(previous, current *description.ServerDescription)
}

// Server binds the monitoring of a single server to the acquisition of
// connections to it.
type Server struct {
	serverID     description.ServerID
	clock        *clusterclock.ClusterClock
	pool         connection.Pool
	monitor      Monitor
	loadBalanced bool
	subscriber   events.Subscriber
	logger       *zap.Logger

	baseDescription *description.ServerDescription
	lbDescription   atomic.Pointer[description.ServerDescription]
	feed            *latestonlychannel.Feed[*description.ServerDescription]

	outstanding atomic.Int64

	lock        sync.Mutex
	state       serverState
	openedAt    time.Time
	unsubscribe func()
	handlers    []handlerEntry
}

func New(opts *Options) (*Server, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: options are required", ErrInvalidArgument)
	}
	if opts.ClusterClock == nil {
		return nil, fmt.Errorf("%w: a cluster clock is required", ErrInvalidArgument)
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("%w: a connection pool is required", ErrInvalidArgument)
	}

	serverID := description.ServerID{
		ClusterID: opts.ClusterID,
		Address:   opts.Address,
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("address", opts.Address))

	subscriber := events.OrNop(opts.Subscriber)

	monitor := opts.Monitor
	if monitor == nil && !opts.LoadBalanced {
		if opts.ConnectionFactory == nil {
			return nil, fmt.Errorf("%w: a monitor or connection factory is required", ErrInvalidArgument)
		}

		serverMonitor, err := servermonitor.New(&servermonitor.Options{
			ServerID:          serverID,
			ConnectionFactory: opts.ConnectionFactory,
			Settings:          opts.MonitorSettings,
			Subscriber:        subscriber,
			Logger:            logger.Named("servermonitor"),
		})
		if err != nil {
			return nil, err
		}
		monitor = serverMonitor
	}

	s := &Server{
		serverID:        serverID,
		clock:           opts.ClusterClock,
		pool:            opts.Pool,
		monitor:         monitor,
		loadBalanced:    opts.LoadBalanced,
		subscriber:      subscriber,
		logger:          logger,
		baseDescription: description.NewServerDescription(serverID),
		feed:            latestonlychannel.NewFeed[*description.ServerDescription](),
	}
	s.lbDescription.Store(s.baseDescription)
	s.feed.Publish(s.baseDescription)

	return s, nil
}

func (s *Server) ServerID() description.ServerID {
	return s.serverID
}

func (s *Server) Address() string {
	return s.serverID.Address
}

func (s *Server) ClusterClock() *clusterclock.ClusterClock {
	return s.clock
}

func (s *Server) IsLoadBalanced() bool {
	return s.loadBalanced
}

func (s *Server) Description() *description.ServerDescription {
	if s.loadBalanced {
		return s.lbDescription.Load()
	}
	return s.monitor.Description()
}

func (s *Server) IsInitialized() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state == stateOpen
}

func (s *Server) isOpen() bool {
	return s.IsInitialized()
}

// OutstandingOperationsCount is the number of channel families which have
// not been closed yet.
func (s *Server) OutstandingOperationsCount() int64 {
	return s.outstanding.Load()
}

// Initialize opens the pool and starts monitoring.  Calls after the first
// have no effect.
func (s *Server) Initialize() error {
	s.lock.Lock()
	if s.state != stateUninitialized {
		s.lock.Unlock()
		return nil
	}
	s.state = stateInitializing
	s.openedAt = time.Now()
	s.lock.Unlock()

	s.subscriber.Publish(events.ServerOpening{ServerID: s.serverID})

	err := s.pool.Initialize()
	if err != nil {
		s.logger.Warn("failed to initialize connection pool", zap.Error(err))

		s.lock.Lock()
		if s.state == stateInitializing {
			s.state = stateUninitialized
		}
		s.lock.Unlock()
		return err
	}

	// channels are only handed out once the pool is ready
	s.lock.Lock()
	if s.state != stateInitializing {
		s.lock.Unlock()
		return ErrClosed
	}
	s.state = stateOpen
	s.lock.Unlock()

	if s.loadBalanced {
		previous := s.lbDescription.Load()
		current := previous.With(
			description.WithState(description.ServerStateConnected),
			description.WithType(description.ServerTypeLoadBalanced),
			description.WithLastUpdateTime(time.Now()),
			description.WithReasonChanged("Initialized"))
		s.lbDescription.Store(current)

		s.subscriber.Publish(events.ServerDescriptionChanged{
			ServerID:            s.serverID,
			PreviousDescription: previous,
			NewDescription:      current,
		})
		s.notifyHandlers(previous, current)
	} else {
		unsubscribe := s.monitor.OnDescriptionChanged(s.handleMonitorDescriptionChanged)

		s.lock.Lock()
		s.unsubscribe = unsubscribe
		s.lock.Unlock()

		s.monitor.Initialize()
	}

	s.logger.Info("server opened", zap.Bool("loadBalanced", s.loadBalanced))

	s.subscriber.Publish(events.ServerOpened{
		ServerID: s.serverID,
		Duration: time.Since(s.openedAt),
	})

	return nil
}

// OnDescriptionChanged registers a handler invoked whenever the server's
// description changes.  The returned function removes it.
func (s *Server) OnDescriptionChanged(handler func(previous, current *description.ServerDescription)) func() {
	id := uuid.New()

	s.lock.Lock()
	s.handlers = append(s.handlers, handlerEntry{id: id, handler: handler})
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		s.handlers = slices.DeleteFunc(s.handlers, func(e handlerEntry) bool {
			return e.id == id
		})
		s.lock.Unlock()
	}
}

// WatchDescriptions returns a channel yielding the current description and
// then every change to it.  Readers which fall behind only see the latest
// description.  The channel is closed when ctx ends or the server closes.
func (s *Server) WatchDescriptions(ctx context.Context) <-chan *description.ServerDescription {
	return s.feed.Subscribe(ctx)
}

func (s *Server) handleMonitorDescriptionChanged(previous, current *description.ServerDescription) {
	if !s.isOpen() {
		return
	}

	if current.HeartbeatErr != nil {
		s.clearPool("heartbeat failed: " + current.HeartbeatErr.Error())
	}

	s.notifyHandlers(previous, current)
}

func (s *Server) notifyHandlers(previous, current *description.ServerDescription) {
	s.lock.Lock()
	handlers := make([]handlerEntry, len(s.handlers))
	copy(handlers, s.handlers)
	s.lock.Unlock()

	s.feed.Publish(current)

	for _, e := range handlers {
		e.handler(previous, current)
	}
}

// RequestHeartbeat asks the monitor to check the server as soon as it is
// allowed to.
func (s *Server) RequestHeartbeat() {
	if s.loadBalanced {
		return
	}
	s.monitor.RequestHeartbeat()
}

// Invalidate marks the server unknown after an operation revealed its
// cached state is out of date.  Responses carrying a topology version which
// the current one is at least as fresh as are ignored.
func (s *Server) Invalidate(reason string, responseTopologyVersion *description.TopologyVersion) {
	if s.loadBalanced || !s.isOpen() {
		return
	}
	s.invalidate(reason, responseTopologyVersion, true)
}

func (s *Server) invalidate(reason string, responseTopologyVersion *description.TopologyVersion, clearPool bool) {
	// a response from a restarted server, or without a version, is never stale
	current := s.Description()
	if current.TopologyVersion.IsFresherThanOrEqualTo(responseTopologyVersion) {
		s.logger.Debug("ignoring invalidation from stale response",
			zap.String("reason", reason),
			zap.Stringer("topologyVersion", responseTopologyVersion))
		return
	}

	s.logger.Debug("invalidating server", zap.String("reason", reason), zap.Bool("clearPool", clearPool))

	if clearPool {
		s.clearPool(reason)
	}
	s.monitor.Invalidate(reason, responseTopologyVersion)
	s.monitor.RequestHeartbeat()
}

func (s *Server) clearPool(reason string) {
	s.pool.Clear()
	s.subscriber.Publish(events.ConnectionPoolCleared{
		ServerID: s.serverID,
		Reason:   reason,
	})
}

func (s *Server) clearService(serviceID bson.ObjectID, reason string) {
	s.pool.ClearService(serviceID)
	s.subscriber.Publish(events.ConnectionPoolCleared{
		ServerID:  s.serverID,
		ServiceID: &serviceID,
		Reason:    reason,
	})
}

// GetChannel acquires a connection from the pool.  The returned channel must
// be closed to release it.
func (s *Server) GetChannel(ctx context.Context) (*Channel, error) {
	s.lock.Lock()
	state := s.state
	s.lock.Unlock()

	switch state {
	case stateUninitialized, stateInitializing:
		return nil, ErrNotInitialized
	case stateClosed:
		return nil, ErrClosed
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.handleAcquireError(err)
		return nil, err
	}

	s.outstanding.Add(1)
	return newChannel(s, conn), nil
}

func (s *Server) releaseChannel(conn connection.Connection) error {
	s.outstanding.Add(-1)
	return conn.Close()
}

// Close stops monitoring and closes the pool.  It is safe to call Close more
// than once.
func (s *Server) Close() error {
	s.lock.Lock()
	if s.state == stateClosed {
		s.lock.Unlock()
		return nil
	}
	s.state = stateClosed
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.lock.Unlock()

	closingAt := time.Now()
	s.subscriber.Publish(events.ServerClosing{ServerID: s.serverID})

	if unsubscribe != nil {
		unsubscribe()
	}

	if s.monitor != nil {
		s.monitor.Close()
	}
	err := s.pool.Close()
	if err != nil {
		s.logger.Warn("failed to close connection pool", zap.Error(err))
	}

	s.lbDescription.Store(s.baseDescription)
	s.feed.Close()

	s.logger.Info("server closed")

	s.subscriber.Publish(events.ServerClosed{
		ServerID: s.serverID,
		Duration: time.Since(closingAt),
	})

	return err
}
