package grpchealthconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var ErrNoPendingCommand = errors.New("no command is pending")

type watchUpdate struct {
	status grpc_health_v1.HealthCheckResponse_ServingStatus
	err    error
}

// Connection presents the gRPC health checking protocol of a server as a
// monitoring connection.  Hello commands are answered from health checks,
// awaitable hello commands sent with exhaust allowed are answered from a
// health watch stream, so status changes are pushed as they happen.
type Connection struct {
	id      description.ConnectionID
	address string
	opts    *Options
	logger  *zap.Logger

	lock         sync.Mutex
	conn         *grpc.ClientConn
	client       grpc_health_v1.HealthClient
	processID    bson.ObjectID
	counter      int64
	lastStatus   grpc_health_v1.HealthCheckResponse_ServingStatus
	hello        *description.HelloResult
	pending      *parsedCommand
	watchCh      chan watchUpdate
	watchCancel  context.CancelFunc
	maxAwaitTime time.Duration
	closed       bool
}

var _ connection.Connection = (*Connection)(nil)

func NewConnection(serverID description.ServerID, address string, opts *Options) *Connection {
	opts = opts.withDefaults()
	id := description.NextConnectionID(serverID)

	return &Connection{
		id:        id,
		address:   address,
		opts:      opts,
		logger:    opts.Logger.With(zap.Stringer("connectionId", id)),
		processID: bson.NewObjectID(),
	}
}

func (c *Connection) ID() description.ConnectionID {
	return c.id
}

func (c *Connection) ServiceID() *bson.ObjectID {
	return nil
}

func (c *Connection) HelloResult() *description.HelloResult {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.hello
}

// Open connects to the server and performs an initial health check, retrying
// with backoff while the server is unavailable.
func (c *Connection) Open(ctx context.Context) error {
	dialOpts, err := c.opts.dialOptions()
	if err != nil {
		return connection.NewConnectionError(c.id, "invalid dial options", err)
	}

	conn, err := grpc.NewClient(c.address, dialOpts...)
	if err != nil {
		return connection.NewConnectionError(c.id, "failed to create client", err)
	}

	client := grpc_health_v1.NewHealthClient(conn)

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		_ = conn.Close()
		return c.closedError()
	}
	c.conn = conn
	c.client = client
	c.lock.Unlock()

	var servingStatus grpc_health_v1.HealthCheckResponse_ServingStatus
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.OpenRetries),
		ctx)
	err = backoff.Retry(func() error {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: c.opts.Service})
		if err != nil {
			if status.Code(err) == codes.Unavailable {
				c.logger.Debug("health endpoint unavailable, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}

		servingStatus = resp.Status
		return nil
	}, b)
	if err != nil {
		return c.convertError(ctx, "health check failed", err)
	}

	if servingStatus != grpc_health_v1.HealthCheckResponse_SERVING {
		return connection.NewConnectionError(c.id, healthStatusNotServing, errors.New(servingStatus.String()))
	}
	c.observeStatus(servingStatus)

	reply, err := c.replyFor(commandHello, servingStatus)
	if err != nil {
		return connection.NewConnectionError(c.id, "failed to build handshake reply", err)
	}

	hello, err := description.ParseHelloResult(reply)
	if err != nil {
		return connection.NewConnectionError(c.id, "invalid handshake reply", err)
	}

	c.lock.Lock()
	c.hello = hello
	c.lock.Unlock()

	return nil
}

func (c *Connection) SendCommand(ctx context.Context, cmd bson.Raw, exhaustAllowed bool) error {
	parsed, err := parseCommand(cmd)
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed || c.client == nil {
		return c.closedError()
	}

	if parsed.kind == commandAwaitableHello && !exhaustAllowed {
		parsed.kind = commandHello
	}

	if parsed.kind == commandAwaitableHello {
		c.maxAwaitTime = defaultMaxAwaitTime
		if parsed.maxAwaitTime > 0 {
			c.maxAwaitTime = time.Duration(parsed.maxAwaitTime) * time.Millisecond
		}

		if c.watchCh == nil {
			c.startWatchLocked()
		}
	}

	c.pending = &parsed
	return nil
}

func (c *Connection) startWatchLocked() {
	watchCtx, cancel := context.WithCancel(context.Background())
	watchCh := make(chan watchUpdate)
	client := c.client
	service := c.opts.Service

	c.watchCh = watchCh
	c.watchCancel = cancel

	go func() {
		stream, err := client.Watch(watchCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		for {
			var update watchUpdate
			if err != nil {
				update.err = err
			} else {
				resp, recvErr := stream.Recv()
				if recvErr != nil {
					update.err = recvErr
				} else {
					update.status = resp.Status
				}
			}

			select {
			case watchCh <- update:
			case <-watchCtx.Done():
				return
			}

			if update.err != nil {
				return
			}
		}
	}()
}

func (c *Connection) stopWatch() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.watchCh = nil
	c.watchCancel = nil
}

func (c *Connection) ReceiveResponse(ctx context.Context) (*connection.Response, error) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, c.closedError()
	}
	pending := c.pending
	client := c.client
	watchCh := c.watchCh
	maxAwaitTime := c.maxAwaitTime
	c.lock.Unlock()

	if pending == nil {
		return nil, ErrNoPendingCommand
	}

	if pending.kind == commandAwaitableHello && watchCh != nil {
		return c.receiveStreamed(ctx, watchCh, maxAwaitTime)
	}

	c.lock.Lock()
	c.pending = nil
	c.lock.Unlock()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: c.opts.Service})
	if err != nil {
		return nil, c.convertError(ctx, "health check failed", err)
	}
	c.observeStatus(resp.Status)

	reply, err := c.replyFor(pending.kind, resp.Status)
	if err != nil {
		return nil, err
	}
	return &connection.Response{Body: reply}, nil
}

// receiveStreamed waits for the next status pushed by the server.  Like an
// awaitable hello, the current status is reported when nothing changed
// within the maximum await time.
func (c *Connection) receiveStreamed(
	ctx context.Context,
	watchCh <-chan watchUpdate,
	maxAwaitTime time.Duration,
) (*connection.Response, error) {
	timer := time.NewTimer(maxAwaitTime)
	defer timer.Stop()

	var servingStatus grpc_health_v1.HealthCheckResponse_ServingStatus
	select {
	case update := <-watchCh:
		if update.err != nil {
			c.stopWatch()
			return nil, c.convertError(ctx, "health watch failed", update.err)
		}
		c.observeStatus(update.status)
		servingStatus = update.status
	case <-timer.C:
		servingStatus = c.currentStatus()
	case <-ctx.Done():
		return nil, c.convertError(ctx, "health watch interrupted", ctx.Err())
	}

	reply, err := c.replyFor(commandAwaitableHello, servingStatus)
	if err != nil {
		return nil, err
	}
	return &connection.Response{Body: reply, MoreToCome: true}, nil
}

// observeStatus bumps the topology version whenever the status changes.
func (c *Connection) observeStatus(servingStatus grpc_health_v1.HealthCheckResponse_ServingStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if servingStatus != c.lastStatus {
		c.lastStatus = servingStatus
		c.counter++
	}
}

func (c *Connection) currentStatus() grpc_health_v1.HealthCheckResponse_ServingStatus {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.lastStatus
}

func (c *Connection) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true

	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.watchCh = nil
	c.watchCancel = nil

	conn := c.conn
	c.lock.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Connection) closedError() error {
	connErr := connection.NewConnectionError(c.id, "connection is closed", net.ErrClosed)
	connErr.Network = true
	return connErr
}

// convertError maps gRPC failures onto connection errors, so timeouts and
// cancellation are recognized as such.
func (c *Connection) convertError(ctx context.Context, message string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return connection.NewConnectionError(c.id, message, ctxErr)
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return connection.NewConnectionError(c.id, message, context.DeadlineExceeded)
	case codes.Canceled:
		return connection.NewConnectionError(c.id, message, context.Canceled)
	case codes.Unavailable:
		connErr := connection.NewConnectionError(c.id, message, err)
		connErr.Network = true
		return connErr
	}

	return connection.NewConnectionError(c.id, message, err)
}

// Factory creates health checking connections.
type Factory struct {
	opts *Options
}

var _ connection.Factory = (*Factory)(nil)

func NewFactory(opts *Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

func (f *Factory) CreateConnection(serverID description.ServerID, address string) (connection.Connection, error) {
	return NewConnection(serverID, address, f.opts), nil
}
