package grpchealthconn

import (
	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type commandKind int

const (
	commandOther commandKind = iota
	commandHello
	commandAwaitableHello
)

type parsedCommand struct {
	kind         commandKind
	maxAwaitTime int64
}

func parseCommand(cmd bson.Raw) (parsedCommand, error) {
	err := cmd.Validate()
	if err != nil {
		return parsedCommand{}, errors.Wrap(err, "invalid command document")
	}

	elem, err := cmd.IndexErr(0)
	if err != nil {
		return parsedCommand{}, errors.Wrap(err, "empty command document")
	}

	switch elem.Key() {
	case "hello", "isMaster", "ismaster":
	default:
		return parsedCommand{kind: commandOther}, nil
	}

	if _, err := cmd.LookupErr("topologyVersion"); err != nil {
		return parsedCommand{kind: commandHello}, nil
	}

	parsed := parsedCommand{kind: commandAwaitableHello}
	if val, err := cmd.LookupErr("maxAwaitTimeMS"); err == nil {
		if ms, ok := val.AsInt64OK(); ok {
			parsed.maxAwaitTime = ms
		}
	}
	return parsed, nil
}

// replyFor builds the reply a database server in the given health state
// would send.  Serving servers answer as a standalone which supports
// streaming, anything else answers like a server shutting down.
func (c *Connection) replyFor(kind commandKind, status grpc_health_v1.HealthCheckResponse_ServingStatus) (bson.Raw, error) {
	tv := c.topologyVersion()

	var doc bson.D
	switch {
	case status != grpc_health_v1.HealthCheckResponse_SERVING:
		doc = bson.D{
			{Key: "ok", Value: 0},
			{Key: "code", Value: connection.CodeShutdownInProgress},
			{Key: "codeName", Value: "ShutdownInProgress"},
			{Key: "errmsg", Value: healthStatusNotServing + ": " + status.String()},
			{Key: "topologyVersion", Value: tv.ToDocument()},
		}
	case kind == commandOther:
		doc = bson.D{{Key: "ok", Value: 1}}
	default:
		doc = bson.D{
			{Key: "ok", Value: 1},
			{Key: "isWritablePrimary", Value: true},
			{Key: "helloOk", Value: true},
			{Key: "minWireVersion", Value: int32(0)},
			{Key: "maxWireVersion", Value: c.opts.MaxWireVersion},
			{Key: "topologyVersion", Value: tv.ToDocument()},
			{Key: "connectionId", Value: c.id.LocalValue},
		}
	}

	bytes, err := bson.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode reply")
	}
	return bson.Raw(bytes), nil
}

func (c *Connection) topologyVersion() *description.TopologyVersion {
	c.lock.Lock()
	defer c.lock.Unlock()

	return description.NewTopologyVersion(c.processID, c.counter)
}
