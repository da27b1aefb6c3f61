package connection

import (
	"context"

	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Response is a single reply read from a connection.  MoreToCome indicates
// the server will send further replies without another request being sent.
type Response struct {
	Body       bson.Raw
	MoreToCome bool
}

// Connection is a single network connection to a server.  Implementations
// perform the handshake as part of Open.
type Connection interface {
	ID() description.ConnectionID
	Open(ctx context.Context) error

	// HelloResult returns the reply to the handshake performed by Open, or nil
	// if the connection has not been opened.
	HelloResult() *description.HelloResult

	// SendCommand writes a command to the connection.  When exhaustAllowed is
	// set the server may answer with several replies flagged as MoreToCome.
	SendCommand(ctx context.Context, cmd bson.Raw, exhaustAllowed bool) error
	ReceiveResponse(ctx context.Context) (*Response, error)

	// ServiceID returns the backend service this connection is bound to when
	// connected through a load balancer.
	ServiceID() *bson.ObjectID

	Close() error
}

type Factory interface {
	CreateConnection(serverID description.ServerID, address string) (Connection, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(serverID description.ServerID, address string) (Connection, error)

func (f FactoryFunc) CreateConnection(serverID description.ServerID, address string) (Connection, error) {
	return f(serverID, address)
}

// Pool hands out application connections to a single server.  Connections
// returned by Acquire are released back to the pool by closing them.
type Pool interface {
	Initialize() error
	Acquire(ctx context.Context) (Connection, error)
	Clear()
	ClearService(serviceID bson.ObjectID)
	Close() error
}
