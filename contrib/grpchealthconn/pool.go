package grpchealthconn

import (
	"context"
	"errors"
	"sync"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed         = errors.New("pool is closed")
	ErrPoolNotInitialized = errors.New("pool is not initialized")
)

type PoolOptions struct {
	ServerID description.ServerID
	Factory  connection.Factory

	// MaxSize bounds the number of connections handed out at once.
	MaxSize int

	Logger *zap.Logger
}

// Pool keeps idle connections to a single server for reuse.  Clearing the
// pool starts a new generation, connections of older generations are closed
// instead of being reused.
type Pool struct {
	serverID description.ServerID
	factory  connection.Factory
	logger   *zap.Logger
	slots    chan struct{}

	lock        sync.Mutex
	initialized bool
	closed      bool
	generation  uint64
	idle        []*pooledConnection
}

var _ connection.Pool = (*Pool)(nil)

type pooledConnection struct {
	connection.Connection
	pool       *Pool
	generation uint64
	once       sync.Once
}

func (c *pooledConnection) Close() error {
	var err error
	c.once.Do(func() {
		err = c.pool.release(c)
	})
	return err
}

func NewPool(opts *PoolOptions) *Pool {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxPoolSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		serverID: opts.ServerID,
		factory:  opts.Factory,
		logger:   logger,
		slots:    make(chan struct{}, maxSize),
	}
}

func (p *Pool) Initialize() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.initialized = true
	return nil
}

// Acquire returns an idle connection, or opens a new one.  It waits for a
// free slot when MaxSize connections are already in use.
func (p *Pool) Acquire(ctx context.Context) (connection.Connection, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.lock.Lock()
	if !p.initialized || p.closed {
		closed := p.closed
		p.lock.Unlock()
		<-p.slots

		if closed {
			return nil, ErrPoolClosed
		}
		return nil, ErrPoolNotInitialized
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.lock.Unlock()

		return &pooledConnection{
			Connection: conn.Connection,
			pool:       p,
			generation: conn.generation,
		}, nil
	}
	generation := p.generation
	p.lock.Unlock()

	conn, err := p.factory.CreateConnection(p.serverID, p.serverID.Address)
	if err != nil {
		<-p.slots
		return nil, err
	}

	err = conn.Open(ctx)
	if err != nil {
		<-p.slots
		_ = conn.Close()
		return nil, err
	}

	return &pooledConnection{
		Connection: conn,
		pool:       p,
		generation: generation,
	}, nil
}

func (p *Pool) release(conn *pooledConnection) error {
	defer func() { <-p.slots }()

	p.lock.Lock()
	if p.closed || conn.generation != p.generation {
		p.lock.Unlock()
		return conn.Connection.Close()
	}

	p.idle = append(p.idle, &pooledConnection{
		Connection: conn.Connection,
		generation: conn.generation,
	})
	p.lock.Unlock()
	return nil
}

// Clear closes every idle connection and makes connections currently in use
// close on release.
func (p *Pool) Clear() {
	p.lock.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.lock.Unlock()

	p.logger.Debug("connection pool cleared", zap.Int("idleClosed", len(idle)))

	err := closeAll(idle)
	if err != nil {
		p.logger.Debug("failed to close idle connections", zap.Error(err))
	}
}

// ClearService clears the whole pool, health checking connections are never
// bound to a service.
func (p *Pool) ClearService(serviceID bson.ObjectID) {
	p.Clear()
}

func (p *Pool) IdleCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.idle)
}

func (p *Pool) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.lock.Unlock()

	return closeAll(idle)
}

func closeAll(conns []*pooledConnection) error {
	var errs error
	for _, conn := range conns {
		errs = multierr.Append(errs, conn.Connection.Close())
	}
	return errs
}
