package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var ErrConnectionClosed = errors.New("fake connection closed")

// FakeConnection is a scriptable connection.Connection.  By default Open
// succeeds with HandshakeReply and every command is answered with the same
// reply.
type FakeConnection struct {
	ConnID         description.ConnectionID
	HandshakeReply bson.Raw
	OpenErr        error
	Service        *bson.ObjectID

	// OnSend, when set, is called for every command sent.  A returned error
	// fails the send.
	OnSend func(ctx context.Context, cmd bson.Raw) error

	// OnReceive, when set, produces each response.  When nil the handshake
	// reply is returned.
	OnReceive func(ctx context.Context) (*connection.Response, error)

	// OnClose is called every time Close is invoked.
	OnClose func()

	lock        sync.Mutex
	helloResult *description.HelloResult
	sent        []bson.Raw
	opened      bool
	closeCount  int
}

var _ connection.Connection = (*FakeConnection)(nil)

func (c *FakeConnection) ID() description.ConnectionID {
	return c.ConnID
}

func (c *FakeConnection) Open(ctx context.Context) error {
	if c.OpenErr != nil {
		return c.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hello, err := description.ParseHelloResult(c.HandshakeReply)
	if err != nil {
		return connection.NewConnectionError(c.ConnID, "invalid handshake reply", err)
	}

	c.lock.Lock()
	c.helloResult = hello
	c.opened = true
	c.lock.Unlock()

	return nil
}

func (c *FakeConnection) HelloResult() *description.HelloResult {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.helloResult
}

func (c *FakeConnection) SendCommand(ctx context.Context, cmd bson.Raw, exhaustAllowed bool) error {
	c.lock.Lock()
	if c.closeCount > 0 {
		c.lock.Unlock()
		return connection.NewConnectionError(c.ConnID, "send failed", ErrConnectionClosed)
	}
	c.sent = append(c.sent, cmd)
	c.lock.Unlock()

	if c.OnSend != nil {
		return c.OnSend(ctx, cmd)
	}
	return nil
}

func (c *FakeConnection) ReceiveResponse(ctx context.Context) (*connection.Response, error) {
	if c.OnReceive != nil {
		return c.OnReceive(ctx)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &connection.Response{Body: c.HandshakeReply}, nil
}

func (c *FakeConnection) ServiceID() *bson.ObjectID {
	return c.Service
}

func (c *FakeConnection) Close() error {
	c.lock.Lock()
	c.closeCount++
	c.lock.Unlock()

	if c.OnClose != nil {
		c.OnClose()
	}
	return nil
}

// SentCommands returns every command sent so far.
func (c *FakeConnection) SentCommands() []bson.Raw {
	c.lock.Lock()
	defer c.lock.Unlock()

	sent := make([]bson.Raw, len(c.sent))
	copy(sent, c.sent)
	return sent
}

func (c *FakeConnection) CloseCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.closeCount
}

func (c *FakeConnection) IsOpened() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.opened
}

// FakeFactory creates FakeConnections.  Build customizes each connection
// before it is returned, CreateErr makes creation fail.
type FakeFactory struct {
	HandshakeReply bson.Raw
	Build          func(conn *FakeConnection)
	CreateErr      error

	lock    sync.Mutex
	created []*FakeConnection
}

var _ connection.Factory = (*FakeFactory)(nil)

func (f *FakeFactory) CreateConnection(serverID description.ServerID, address string) (connection.Connection, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	conn := &FakeConnection{
		ConnID:         description.NextConnectionID(serverID),
		HandshakeReply: f.HandshakeReply,
	}
	if f.Build != nil {
		f.Build(conn)
	}

	f.lock.Lock()
	f.created = append(f.created, conn)
	f.lock.Unlock()

	return conn, nil
}

func (f *FakeFactory) Created() []*FakeConnection {
	f.lock.Lock()
	defer f.lock.Unlock()

	created := make([]*FakeConnection, len(f.created))
	copy(created, f.created)
	return created
}
