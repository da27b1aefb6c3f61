package connection

import (
	"time"

	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type HelloCommandOptions struct {
	// HelloOK selects the hello command over the legacy isMaster command.  It
	// should be set once the server has indicated it supports hello.
	HelloOK bool

	LoadBalanced bool

	// TopologyVersion and MaxAwaitTime make the command awaitable, the server
	// holds the reply until its topology version changes or the wait expires.
	TopologyVersion *description.TopologyVersion
	MaxAwaitTime    time.Duration
}

// HelloCommand builds the handshake command used for monitoring.
func HelloCommand(opts *HelloCommandOptions) (bson.Raw, error) {
	var cmd bson.D
	if opts.HelloOK || opts.LoadBalanced {
		cmd = append(cmd, bson.E{Key: "hello", Value: 1})
	} else {
		cmd = append(cmd, bson.E{Key: "isMaster", Value: 1})
	}
	cmd = append(cmd, bson.E{Key: "helloOk", Value: true})

	if opts.LoadBalanced {
		cmd = append(cmd, bson.E{Key: "loadBalanced", Value: true})
	}

	if opts.TopologyVersion != nil {
		cmd = append(cmd,
			bson.E{Key: "topologyVersion", Value: opts.TopologyVersion.ToDocument()},
			bson.E{Key: "maxAwaitTimeMS", Value: opts.MaxAwaitTime.Milliseconds()})
	}

	bytes, err := bson.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode hello command")
	}

	return bson.Raw(bytes), nil
}
