package description

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/exp/maps"
)

// Option changes a single field of a description being derived by With or
// NewServerDescription.
type Option func(*ServerDescription)

func WithState(state ServerState) Option {
	return func(d *ServerDescription) { d.State = state }
}

func WithType(serverType ServerType) Option {
	return func(d *ServerDescription) { d.Type = serverType }
}

func WithCanonicalAddress(address string) Option {
	return func(d *ServerDescription) { d.CanonicalAddress = address }
}

func WithAverageRoundTripTime(rtt time.Duration) Option {
	return func(d *ServerDescription) { d.AverageRoundTripTime = rtt }
}

func WithWireVersion(wireVersion *VersionRange) Option {
	return func(d *ServerDescription) { d.WireVersion = wireVersion }
}

func WithLogicalSessionTimeout(timeout *time.Duration) Option {
	return func(d *ServerDescription) { d.LogicalSessionTimeout = timeout }
}

func WithElectionID(electionID *bson.ObjectID) Option {
	return func(d *ServerDescription) { d.ElectionID = electionID }
}

func WithTopologyVersion(topologyVersion *TopologyVersion) Option {
	return func(d *ServerDescription) { d.TopologyVersion = topologyVersion }
}

func WithHeartbeatError(err error) Option {
	return func(d *ServerDescription) { d.HeartbeatErr = err }
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(d *ServerDescription) { d.HeartbeatInterval = interval }
}

func WithLastHeartbeatTime(t time.Time) Option {
	return func(d *ServerDescription) { d.LastHeartbeatTime = t }
}

func WithLastUpdateTime(t time.Time) Option {
	return func(d *ServerDescription) { d.LastUpdateTime = t }
}

func WithLastWriteTime(t time.Time) Option {
	return func(d *ServerDescription) { d.LastWriteTime = t }
}

// WithTags copies the passed tags so later changes to the map by the caller
// are not observed by the description.
func WithTags(tags TagSet) Option {
	return func(d *ServerDescription) {
		if tags == nil {
			d.Tags = nil
			return
		}
		d.Tags = maps.Clone(tags)
	}
}

func WithReplicaSetConfig(config *ReplicaSetConfig) Option {
	return func(d *ServerDescription) { d.ReplicaSetConfig = config }
}

func WithMaxBatchCount(count int32) Option {
	return func(d *ServerDescription) { d.MaxBatchCount = count }
}

func WithMaxDocumentSize(size int32) Option {
	return func(d *ServerDescription) { d.MaxDocumentSize = size }
}

func WithMaxMessageSize(size int32) Option {
	return func(d *ServerDescription) { d.MaxMessageSize = size }
}

func WithHelloOK(helloOK bool) Option {
	return func(d *ServerDescription) { d.HelloOK = helloOK }
}

func WithServiceID(serviceID *bson.ObjectID) Option {
	return func(d *ServerDescription) { d.ServiceID = serviceID }
}

func WithReasonChanged(reason string) Option {
	return func(d *ServerDescription) { d.ReasonChanged = reason }
}

// WithHelloResult sets every field derived from a handshake reply.  Fields
// the reply does not carry are reset to their defaults.
func WithHelloResult(hello *HelloResult) Option {
	return func(d *ServerDescription) {
		d.State = ServerStateConnected
		d.Type = hello.ServerType()
		d.CanonicalAddress = hello.Me
		d.WireVersion = NewVersionRange(hello.MinWireVersion, hello.MaxWireVersion)
		d.LogicalSessionTimeout = hello.LogicalSessionTimeout()
		d.ElectionID = hello.ElectionID
		d.TopologyVersion = hello.TopologyVersion
		d.LastWriteTime = hello.LastWriteTime()
		d.Tags = hello.Tags
		d.ReplicaSetConfig = hello.ReplicaSetConfig()
		d.MaxBatchCount = orDefault(hello.MaxWriteBatchSize, defaultMaxBatchCount)
		d.MaxDocumentSize = orDefault(hello.MaxBsonObjectSize, defaultMaxDocumentSize)
		d.MaxMessageSize = orDefault(hello.MaxMessageSizeBytes, defaultMaxMessageSize)
		d.HelloOK = hello.HelloOK
		d.ServiceID = hello.ServiceID
	}
}

// WithUnknown resets every handshake derived field, marking the server as
// unreachable.
func WithUnknown() Option {
	return func(d *ServerDescription) {
		d.State = ServerStateDisconnected
		d.Type = ServerTypeUnknown
		d.CanonicalAddress = ""
		d.WireVersion = nil
		d.LogicalSessionTimeout = nil
		d.ElectionID = nil
		d.TopologyVersion = nil
		d.LastWriteTime = time.Time{}
		d.Tags = nil
		d.ReplicaSetConfig = nil
		d.MaxBatchCount = defaultMaxBatchCount
		d.MaxDocumentSize = defaultMaxDocumentSize
		d.MaxMessageSize = defaultMaxMessageSize
		d.HelloOK = false
		d.ServiceID = nil
	}
}

func orDefault(v int32, def int32) int32 {
	if v == 0 {
		return def
	}
	return v
}
