package main

import (
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sdam/contrib/grpchealthconn"
	"github.com/couchbase/stellar-sdam/core/clusterclock"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/couchbase/stellar-sdam/core/events"
	"github.com/couchbase/stellar-sdam/core/server"
	"github.com/couchbase/stellar-sdam/pkg/app_config"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const serverStartRetries = 3

type fleetOptions struct {
	Config      *app_config.MonitorConfig
	Subscriber  events.Subscriber
	Logger      *zap.Logger
	DialOptions []grpc.DialOption
}

// fleet monitors every server of a seed list.  Servers are started and
// stopped as the seed list changes.
type fleet struct {
	clusterID  description.ClusterID
	config     *app_config.MonitorConfig
	subscriber events.Subscriber
	logger     *zap.Logger
	clock      *clusterclock.ClusterClock
	connOpts   *grpchealthconn.Options

	lock    sync.Mutex
	servers map[string]*server.Server
	closed  bool
}

func newFleet(opts fleetOptions) *fleet {
	return &fleet{
		clusterID:  description.NewClusterID(),
		config:     opts.Config,
		subscriber: opts.Subscriber,
		logger:     opts.Logger,
		clock:      clusterclock.New(),
		connOpts: &grpchealthconn.Options{
			Service:     opts.Config.HealthService,
			Username:    opts.Config.Username,
			Password:    opts.Config.Password,
			DialOptions: opts.DialOptions,
			Logger:      opts.Logger.Named("grpchealthconn"),
		},
		servers: make(map[string]*server.Server),
	}
}

// Sync starts servers which joined the seed list and closes the ones which
// left it.  Settings of servers which remain are not changed.
func (f *fleet) Sync(seeds *app_config.SeedList) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return errors.New("fleet is closed")
	}

	wanted := make(map[string]struct{}, len(seeds.Addresses))
	for _, address := range seeds.Addresses {
		wanted[address] = struct{}{}
	}

	var errs error
	for address, srv := range f.servers {
		if _, ok := wanted[address]; ok {
			continue
		}

		f.logger.Info("removing server", zap.String("address", address))
		delete(f.servers, address)
		errs = multierr.Append(errs, srv.Close())
	}

	for _, address := range seeds.Addresses {
		if _, ok := f.servers[address]; ok {
			continue
		}

		f.logger.Info("adding server", zap.String("address", address))
		srv, err := f.startServer(address, seeds)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "failed to start server %s", address))
			continue
		}
		f.servers[address] = srv
	}

	return errs
}

func (f *fleet) startServer(address string, seeds *app_config.SeedList) (*server.Server, error) {
	factory := grpchealthconn.NewFactory(f.connOpts)
	serverID := description.ServerID{ClusterID: f.clusterID, Address: address}

	pool := grpchealthconn.NewPool(&grpchealthconn.PoolOptions{
		ServerID: serverID,
		Factory:  factory,
		MaxSize:  f.config.PoolSize,
		Logger:   f.logger.Named("pool"),
	})

	srv, err := server.New(&server.Options{
		ClusterID:         f.clusterID,
		Address:           address,
		ClusterClock:      f.clock,
		Pool:              pool,
		ConnectionFactory: factory,
		MonitorSettings:   f.config.MonitorSettings(seeds),
		LoadBalanced:      f.config.IsLoadBalanced(seeds),
		Subscriber:        f.subscriber,
		Logger:            f.logger.Named("server"),
	})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	err = backoff.Retry(srv.Initialize,
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), serverStartRetries))
	if err != nil {
		_ = srv.Close()
		return nil, err
	}

	return srv, nil
}

func (f *fleet) Descriptions() []*description.ServerDescription {
	f.lock.Lock()
	defer f.lock.Unlock()

	descs := make([]*description.ServerDescription, 0, len(f.servers))
	for _, srv := range f.servers {
		descs = append(descs, srv.Description())
	}
	return descs
}

func (f *fleet) Close() error {
	f.lock.Lock()
	servers := f.servers
	f.servers = make(map[string]*server.Server)
	f.closed = true
	f.lock.Unlock()

	var errs error
	for _, srv := range servers {
		errs = multierr.Append(errs, srv.Close())
	}
	return errs
}
