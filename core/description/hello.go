package description

import (
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type helloLastWrite struct {
	LastWriteDate bson.DateTime `bson:"lastWriteDate"`
}

// HelloResult is the decoded reply to a hello (or legacy isMaster) command.
type HelloResult struct {
	OK                           float64          `bson:"ok"`
	IsWritablePrimary            bool             `bson:"isWritablePrimary"`
	LegacyIsMaster               bool             `bson:"ismaster"`
	Secondary                    bool             `bson:"secondary"`
	ArbiterOnly                  bool             `bson:"arbiterOnly"`
	Hidden                       bool             `bson:"hidden"`
	IsReplicaSet                 bool             `bson:"isreplicaset"`
	SetName                      string           `bson:"setName"`
	SetVersion                   *int64           `bson:"setVersion"`
	Primary                      string           `bson:"primary"`
	Hosts                        []string         `bson:"hosts"`
	Passives                     []string         `bson:"passives"`
	Arbiters                     []string         `bson:"arbiters"`
	Msg                          string           `bson:"msg"`
	Me                           string           `bson:"me"`
	ElectionID                   *bson.ObjectID   `bson:"electionId"`
	MinWireVersion               int32            `bson:"minWireVersion"`
	MaxWireVersion               int32            `bson:"maxWireVersion"`
	LogicalSessionTimeoutMinutes *int32           `bson:"logicalSessionTimeoutMinutes"`
	MaxBsonObjectSize            int32            `bson:"maxBsonObjectSize"`
	MaxMessageSizeBytes          int32            `bson:"maxMessageSizeBytes"`
	MaxWriteBatchSize            int32            `bson:"maxWriteBatchSize"`
	Tags                         TagSet           `bson:"tags"`
	TopologyVersion              *TopologyVersion `bson:"topologyVersion"`
	LastWrite                    *helloLastWrite  `bson:"lastWrite"`
	HelloOK                      bool             `bson:"helloOk"`
	ServiceID                    *bson.ObjectID   `bson:"serviceId"`
	ConnectionID                 int64            `bson:"connectionId"`

	// Raw holds the reply exactly as received.
	Raw bson.Raw `bson:"-"`
}

func ParseHelloResult(doc bson.Raw) (*HelloResult, error) {
	if len(doc) == 0 {
		return nil, errors.New("empty hello reply")
	}

	var result HelloResult
	err := bson.Unmarshal(doc, &result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode hello reply")
	}

	result.Raw = doc
	return &result, nil
}

func (r *HelloResult) IsOK() bool {
	return r.OK == 1
}

func (r *HelloResult) IsPrimary() bool {
	return r.IsWritablePrimary || r.LegacyIsMaster
}

// SupportsStreaming reports whether the server accepts awaitable hello
// commands, which it signals by reporting a topology version.
func (r *HelloResult) SupportsStreaming() bool {
	return r.TopologyVersion != nil
}

func (r *HelloResult) ServerType() ServerType {
	if !r.IsOK() {
		return ServerTypeUnknown
	}

	if r.ServiceID != nil {
		return ServerTypeLoadBalanced
	}

	if r.IsReplicaSet {
		return ServerTypeRSGhost
	}

	if r.SetName != "" {
		switch {
		case r.IsPrimary():
			return ServerTypeRSPrimary
		case r.Hidden:
			return ServerTypeRSOther
		case r.Secondary:
			return ServerTypeRSSecondary
		case r.ArbiterOnly:
			return ServerTypeRSArbiter
		}
		return ServerTypeRSOther
	}

	if r.Msg == "isdbgrid" {
		return ServerTypeShardRouter
	}

	return ServerTypeStandalone
}

func (r *HelloResult) LogicalSessionTimeout() *time.Duration {
	if r.LogicalSessionTimeoutMinutes == nil {
		return nil
	}
	timeout := time.Duration(*r.LogicalSessionTimeoutMinutes) * time.Minute
	return &timeout
}

func (r *HelloResult) LastWriteTime() time.Time {
	if r.LastWrite == nil {
		return time.Time{}
	}
	return r.LastWrite.LastWriteDate.Time().UTC()
}

// ReplicaSetConfig summarizes the replica set membership reported by the
// server, or nil if the server is not a replica set member.
func (r *HelloResult) ReplicaSetConfig() *ReplicaSetConfig {
	if r.SetName == "" {
		return nil
	}

	members := make([]string, 0, len(r.Hosts)+len(r.Passives)+len(r.Arbiters))
	members = append(members, r.Hosts...)
	members = append(members, r.Passives...)
	members = append(members, r.Arbiters...)

	return &ReplicaSetConfig{
		Name:    r.SetName,
		Primary: r.Primary,
		Members: members,
		Version: r.SetVersion,
	}
}
