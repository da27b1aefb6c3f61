package clusterclock

import (
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ClusterClock tracks the greatest cluster time observed from any server in a
// cluster.  The held value only ever moves forward.
type ClusterClock struct {
	clusterTime atomic.Pointer[bson.Raw]
}

func New() *ClusterClock {
	return &ClusterClock{}
}

// ClusterTime returns a copy of the greatest cluster time document seen so
// far, or nil if the clock was never advanced.
func (c *ClusterClock) ClusterTime() bson.Raw {
	current := c.clusterTime.Load()
	if current == nil {
		return nil
	}
	return cloneRaw(*current)
}

// AdvanceClusterTime replaces the held cluster time with candidate if the
// candidate is greater.  Candidates without a valid clusterTime timestamp are
// ignored.
func (c *ClusterClock) AdvanceClusterTime(candidate bson.Raw) {
	if _, ok := clusterTimestamp(candidate); !ok {
		return
	}

	candidate = cloneRaw(candidate)
	for {
		current := c.clusterTime.Load()
		if current != nil && CompareClusterTimes(candidate, *current) <= 0 {
			return
		}

		if c.clusterTime.CompareAndSwap(current, &candidate) {
			return
		}
	}
}

// CompareClusterTimes orders two cluster time documents by their clusterTime
// timestamps.  A document without a valid timestamp sorts before any document
// which has one.
func CompareClusterTimes(x, y bson.Raw) int {
	xTs, xOk := clusterTimestamp(x)
	yTs, yOk := clusterTimestamp(y)

	switch {
	case !xOk && !yOk:
		return 0
	case !xOk:
		return -1
	case !yOk:
		return +1
	}

	return compareTimestamps(xTs, yTs)
}

// GreaterClusterTime returns whichever of x and y is greater, preferring x
// when they are equal.
func GreaterClusterTime(x, y bson.Raw) bson.Raw {
	if CompareClusterTimes(y, x) > 0 {
		return y
	}
	return x
}

func compareTimestamps(x, y bson.Timestamp) int {
	switch {
	case x.T < y.T:
		return -1
	case x.T > y.T:
		return +1
	case x.I < y.I:
		return -1
	case x.I > y.I:
		return +1
	}
	return 0
}

func clusterTimestamp(doc bson.Raw) (bson.Timestamp, bool) {
	if len(doc) == 0 || doc.Validate() != nil {
		return bson.Timestamp{}, false
	}

	val, err := doc.LookupErr("clusterTime")
	if err != nil {
		return bson.Timestamp{}, false
	}

	t, i, ok := val.TimestampOK()
	if !ok {
		return bson.Timestamp{}, false
	}

	return bson.Timestamp{T: t, I: i}, true
}

func cloneRaw(doc bson.Raw) bson.Raw {
	if doc == nil {
		return nil
	}
	cloned := make(bson.Raw, len(doc))
	copy(cloned, doc)
	return cloned
}
