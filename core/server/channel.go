package server

import (
	"context"
	"sync/atomic"

	"github.com/couchbase/stellar-sdam/core/clusterclock"
	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// channelFamily is shared by a channel and all of its forks.  The pooled
// connection is released when the last member closes.
type channelFamily struct {
	server *Server
	conn   connection.Connection
	refs   atomic.Int32
}

// Channel is a handle on a connection acquired from a Server's pool.
type Channel struct {
	family *channelFamily
	closed atomic.Bool
}

func newChannel(s *Server, conn connection.Connection) *Channel {
	family := &channelFamily{
		server: s,
		conn:   conn,
	}
	family.refs.Store(1)

	return &Channel{family: family}
}

func (c *Channel) Connection() connection.Connection {
	return c.family.conn
}

// Fork returns another handle on the same connection.  The connection stays
// acquired until every handle has been closed.
func (c *Channel) Fork() (*Channel, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	// a family whose last handle closed has released its connection and
	// must not be revived
	for {
		refs := c.family.refs.Load()
		if refs <= 0 {
			return nil, ErrChannelClosed
		}
		if c.family.refs.CompareAndSwap(refs, refs+1) {
			return &Channel{family: c.family}, nil
		}
	}
}

// Close releases this handle.  Closing a handle more than once has no
// further effect.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.family.refs.Add(-1) == 0 {
		return c.family.server.releaseChannel(c.family.conn)
	}
	return nil
}

// Command sends cmd over the channel's connection and returns the reply.
// Cluster times are gossiped through session, which falls back to a new
// session when nil, and the server's cluster clock.  Failures are reported
// to the server before being returned.
func (c *Channel) Command(ctx context.Context, session clusterclock.Session, cmd bson.Raw) (bson.Raw, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	s := c.family.server
	conn := c.family.conn

	if session == nil {
		session = clusterclock.NewBasicSession()
	}
	clockSession, err := clusterclock.NewClockAdvancingSession(session, s.clock)
	if err != nil {
		return nil, err
	}

	cmd, err = withClusterTime(cmd, clockSession.ClusterTime())
	if err != nil {
		return nil, err
	}

	err = conn.SendCommand(ctx, cmd, false)
	if err != nil {
		s.handleChannelError(err)
		return nil, err
	}

	resp, err := conn.ReceiveResponse(ctx)
	if err != nil {
		s.handleChannelError(err)
		return nil, err
	}

	advanceFromReply(clockSession, resp.Body)

	err = connection.CheckReply(conn.ID(), resp.Body)
	if err != nil {
		s.handleChannelError(err)
		return nil, err
	}

	return resp.Body, nil
}

func withClusterTime(cmd bson.Raw, clusterTime bson.Raw) (bson.Raw, error) {
	if clusterTime == nil {
		return cmd, nil
	}

	var doc bson.D
	err := bson.Unmarshal(cmd, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode command")
	}

	doc = append(doc, bson.E{Key: "$clusterTime", Value: clusterTime})

	bytes, err := bson.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode command")
	}

	return bson.Raw(bytes), nil
}

func advanceFromReply(session clusterclock.Session, reply bson.Raw) {
	if val, err := reply.LookupErr("$clusterTime"); err == nil {
		if doc, ok := val.DocumentOK(); ok {
			session.AdvanceClusterTime(doc)
		}
	}

	if val, err := reply.LookupErr("operationTime"); err == nil {
		if t, i, ok := val.TimestampOK(); ok {
			session.AdvanceOperationTime(bson.Timestamp{T: t, I: i})
		}
	}
}
