package description

type ServerState int

const (
	ServerStateDisconnected ServerState = iota
	ServerStateConnected
)

func (s ServerState) String() string {
	switch s {
	case ServerStateDisconnected:
		return "Disconnected"
	case ServerStateConnected:
		return "Connected"
	}
	return "Unknown"
}

type ServerType int

const (
	ServerTypeUnknown ServerType = iota
	ServerTypeStandalone
	ServerTypeRSPrimary
	ServerTypeRSSecondary
	ServerTypeRSArbiter
	ServerTypeRSOther
	ServerTypeRSGhost
	ServerTypeShardRouter
	ServerTypeLoadBalanced
)

func (t ServerType) String() string {
	switch t {
	case ServerTypeStandalone:
		return "Standalone"
	case ServerTypeRSPrimary:
		return "ReplicaSetPrimary"
	case ServerTypeRSSecondary:
		return "ReplicaSetSecondary"
	case ServerTypeRSArbiter:
		return "ReplicaSetArbiter"
	case ServerTypeRSOther:
		return "ReplicaSetOther"
	case ServerTypeRSGhost:
		return "ReplicaSetGhost"
	case ServerTypeShardRouter:
		return "ShardRouter"
	case ServerTypeLoadBalanced:
		return "LoadBalanced"
	}
	return "Unknown"
}

// IsReplicaSetMember reports whether the type is one of the replica set roles,
// ghosts included.
func (t ServerType) IsReplicaSetMember() bool {
	switch t {
	case ServerTypeRSPrimary, ServerTypeRSSecondary, ServerTypeRSArbiter,
		ServerTypeRSOther, ServerTypeRSGhost:
		return true
	}
	return false
}

// IsWritable reports whether operations requiring a primary can be sent to a
// server of this type.
func (t ServerType) IsWritable() bool {
	switch t {
	case ServerTypeStandalone, ServerTypeRSPrimary, ServerTypeShardRouter,
		ServerTypeLoadBalanced:
		return true
	}
	return false
}
