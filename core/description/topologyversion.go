package description

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// TopologyVersion is the freshness token a server attaches to its reported
// state.  The process id changes whenever the server process restarts, the
// counter increases whenever the server's state changes within a process.
type TopologyVersion struct {
	ProcessID bson.ObjectID `bson:"processId"`
	Counter   int64         `bson:"counter"`
}

func NewTopologyVersion(processID bson.ObjectID, counter int64) *TopologyVersion {
	return &TopologyVersion{
		ProcessID: processID,
		Counter:   counter,
	}
}

func (v *TopologyVersion) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{processId: %s, counter: %d}", v.ProcessID.Hex(), v.Counter)
}

// Equal compares two topology versions by value.  Two nil versions are equal.
func (v *TopologyVersion) Equal(other *TopologyVersion) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.ProcessID == other.ProcessID && v.Counter == other.Counter
}

// ToDocument renders the version as the sub-document sent with an awaitable
// hello.
func (v *TopologyVersion) ToDocument() bson.D {
	return bson.D{
		{Key: "processId", Value: v.ProcessID},
		{Key: "counter", Value: v.Counter},
	}
}

// CompareTopologyVersions returns -1, 0 or +1.  Whenever either side is nil,
// or the two versions come from different server processes, x is reported as
// older than y regardless of argument order.  This means a version from a new
// process is never considered stale when it is the one being tested.
func CompareTopologyVersions(x, y *TopologyVersion) int {
	if x == nil || y == nil {
		return -1
	}

	if x.ProcessID != y.ProcessID {
		return -1
	}

	if x.Counter < y.Counter {
		return -1
	} else if x.Counter > y.Counter {
		return +1
	}
	return 0
}

func (v *TopologyVersion) IsFresherThan(other *TopologyVersion) bool {
	return CompareTopologyVersions(v, other) > 0
}

func (v *TopologyVersion) IsFresherThanOrEqualTo(other *TopologyVersion) bool {
	return CompareTopologyVersions(v, other) >= 0
}

func (v *TopologyVersion) IsStalerThan(other *TopologyVersion) bool {
	return CompareTopologyVersions(v, other) < 0
}

func (v *TopologyVersion) IsStalerThanOrEqualTo(other *TopologyVersion) bool {
	return CompareTopologyVersions(v, other) <= 0
}
