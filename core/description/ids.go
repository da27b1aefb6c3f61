package description

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ClusterID identifies one logical cluster instance inside this process.
type ClusterID string

func NewClusterID() ClusterID {
	return ClusterID(uuid.NewString())
}

// ServerID identifies a single server endpoint within a cluster.
type ServerID struct {
	ClusterID ClusterID
	Address   string
}

func (id ServerID) String() string {
	return fmt.Sprintf("%s/%s", id.ClusterID, id.Address)
}

// ConnectionID identifies a connection to a server.  LocalValue is assigned
// from a process wide sequence and is never reused.
type ConnectionID struct {
	ServerID   ServerID
	LocalValue int64
}

func (id ConnectionID) String() string {
	return fmt.Sprintf("%s#%d", id.ServerID, id.LocalValue)
}

var lastConnectionLocalValue atomic.Int64

func NextConnectionID(serverID ServerID) ConnectionID {
	return ConnectionID{
		ServerID:   serverID,
		LocalValue: lastConnectionLocalValue.Add(1),
	}
}
