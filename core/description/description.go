package description

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The range of wire versions this driver is able to speak.
const (
	MinSupportedWireVersion = 6
	MaxSupportedWireVersion = 25
)

type VersionRange struct {
	Min int32
	Max int32
}

func NewVersionRange(min, max int32) *VersionRange {
	return &VersionRange{Min: min, Max: max}
}

func (r *VersionRange) Includes(v int32) bool {
	return v >= r.Min && v <= r.Max
}

func (r *VersionRange) Overlaps(other *VersionRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

func (r *VersionRange) Equal(other *VersionRange) bool {
	if r == nil || other == nil {
		return r == other
	}
	return *r == *other
}

type TagSet map[string]string

func (t TagSet) Equal(other TagSet) bool {
	return maps.Equal(t, other)
}

// ContainsAll reports whether every tag in other is present in t with the
// same value.
func (t TagSet) ContainsAll(other TagSet) bool {
	for k, v := range other {
		if tv, ok := t[k]; !ok || tv != v {
			return false
		}
	}
	return true
}

type ReplicaSetConfig struct {
	Name    string
	Primary string
	Members []string
	Version *int64
}

func (c *ReplicaSetConfig) Equal(other *ReplicaSetConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Name == other.Name &&
		c.Primary == other.Primary &&
		slices.Equal(c.Members, other.Members) &&
		equalPtr(c.Version, other.Version)
}

// ServerDescription is an immutable snapshot of what is known about a single
// server.  Instances are never modified once published, use With to derive
// an updated copy.
type ServerDescription struct {
	ServerID              ServerID
	CanonicalAddress      string
	State                 ServerState
	Type                  ServerType
	AverageRoundTripTime  time.Duration
	WireVersion           *VersionRange
	LogicalSessionTimeout *time.Duration
	ElectionID            *bson.ObjectID
	TopologyVersion       *TopologyVersion
	HeartbeatErr          error
	HeartbeatInterval     time.Duration
	LastHeartbeatTime     time.Time
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	Tags                  TagSet
	ReplicaSetConfig      *ReplicaSetConfig
	MaxBatchCount         int32
	MaxDocumentSize       int32
	MaxMessageSize        int32
	HelloOK               bool
	ServiceID             *bson.ObjectID
	ReasonChanged         string
}

const (
	defaultMaxBatchCount   = 1000
	defaultMaxDocumentSize = 4 * 1024 * 1024
	defaultMaxMessageSize  = 48000000
)

// NewServerDescription creates the description of a server about which
// nothing is known yet.
func NewServerDescription(serverID ServerID, opts ...Option) *ServerDescription {
	d := &ServerDescription{
		ServerID:        serverID,
		State:           ServerStateDisconnected,
		Type:            ServerTypeUnknown,
		LastUpdateTime:  time.Now(),
		MaxBatchCount:   defaultMaxBatchCount,
		MaxDocumentSize: defaultMaxDocumentSize,
		MaxMessageSize:  defaultMaxMessageSize,
		ReasonChanged:   "InitialDescription",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ServerDescription) Address() string {
	return d.ServerID.Address
}

// With returns a copy of the description with the options applied.  When the
// options leave every field unchanged, the receiver itself is returned.
func (d *ServerDescription) With(opts ...Option) *ServerDescription {
	updated := *d
	for _, opt := range opts {
		opt(&updated)
	}

	if d.Equal(&updated) {
		return d
	}
	return &updated
}

func (d *ServerDescription) Equal(other *ServerDescription) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}

	return d.SdamEqual(other) &&
		d.AverageRoundTripTime == other.AverageRoundTripTime &&
		d.LastHeartbeatTime.Equal(other.LastHeartbeatTime) &&
		d.LastUpdateTime.Equal(other.LastUpdateTime) &&
		d.ReasonChanged == other.ReasonChanged
}

// SdamEqual compares the fields which are relevant for server discovery,
// ignoring round trip times, timestamps and the change reason.
func (d *ServerDescription) SdamEqual(other *ServerDescription) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}

	return d.ServerID == other.ServerID &&
		d.CanonicalAddress == other.CanonicalAddress &&
		d.State == other.State &&
		d.Type == other.Type &&
		d.WireVersion.Equal(other.WireVersion) &&
		equalPtr(d.LogicalSessionTimeout, other.LogicalSessionTimeout) &&
		equalPtr(d.ElectionID, other.ElectionID) &&
		d.TopologyVersion.Equal(other.TopologyVersion) &&
		errorsEqual(d.HeartbeatErr, other.HeartbeatErr) &&
		d.HeartbeatInterval == other.HeartbeatInterval &&
		d.LastWriteTime.Equal(other.LastWriteTime) &&
		d.Tags.Equal(other.Tags) &&
		d.ReplicaSetConfig.Equal(other.ReplicaSetConfig) &&
		d.MaxBatchCount == other.MaxBatchCount &&
		d.MaxDocumentSize == other.MaxDocumentSize &&
		d.MaxMessageSize == other.MaxMessageSize &&
		d.HelloOK == other.HelloOK &&
		equalPtr(d.ServiceID, other.ServiceID)
}

// Hash returns a digest of every field compared by Equal.
func (d *ServerDescription) Hash() uint64 {
	h := hashWriter{d: xxhash.New()}

	h.putString(string(d.ServerID.ClusterID))
	h.putString(d.ServerID.Address)
	h.putString(d.CanonicalAddress)
	h.putInt(int64(d.State))
	h.putInt(int64(d.Type))
	h.putInt(int64(d.AverageRoundTripTime))
	if d.WireVersion != nil {
		h.putInt(int64(d.WireVersion.Min))
		h.putInt(int64(d.WireVersion.Max))
	} else {
		h.putInt(math.MinInt64)
	}
	if d.LogicalSessionTimeout != nil {
		h.putInt(int64(*d.LogicalSessionTimeout))
	} else {
		h.putInt(math.MinInt64)
	}
	h.putObjectID(d.ElectionID)
	if d.TopologyVersion != nil {
		h.putObjectID(&d.TopologyVersion.ProcessID)
		h.putInt(d.TopologyVersion.Counter)
	} else {
		h.putInt(math.MinInt64)
	}
	for err := d.HeartbeatErr; err != nil; err = errors.Unwrap(err) {
		h.putString(reflect.TypeOf(err).String())
		h.putString(err.Error())
	}
	h.putInt(int64(d.HeartbeatInterval))
	h.putTime(d.LastHeartbeatTime)
	h.putTime(d.LastUpdateTime)
	h.putTime(d.LastWriteTime)

	tagKeys := make([]string, 0, len(d.Tags))
	for k := range d.Tags {
		tagKeys = append(tagKeys, k)
	}
	slices.Sort(tagKeys)
	for _, k := range tagKeys {
		h.putString(k)
		h.putString(d.Tags[k])
	}

	if c := d.ReplicaSetConfig; c != nil {
		h.putString(c.Name)
		h.putString(c.Primary)
		for _, m := range c.Members {
			h.putString(m)
		}
		if c.Version != nil {
			h.putInt(*c.Version)
		}
	}

	h.putInt(int64(d.MaxBatchCount))
	h.putInt(int64(d.MaxDocumentSize))
	h.putInt(int64(d.MaxMessageSize))
	if d.HelloOK {
		h.putInt(1)
	} else {
		h.putInt(0)
	}
	h.putObjectID(d.ServiceID)
	h.putString(d.ReasonChanged)

	return h.d.Sum64()
}

// IsDataBearing reports whether the server holds data that reads can be
// served from.
func (d *ServerDescription) IsDataBearing() bool {
	switch d.Type {
	case ServerTypeStandalone, ServerTypeRSPrimary, ServerTypeRSSecondary,
		ServerTypeShardRouter, ServerTypeLoadBalanced:
		return true
	}
	return false
}

// IsCompatibleWithDriver reports whether the wire versions supported by the
// server overlap the ones supported by this driver.  A server whose wire
// versions are not yet known is treated as compatible.
func (d *ServerDescription) IsCompatibleWithDriver() bool {
	if d.Type == ServerTypeUnknown || d.WireVersion == nil {
		return true
	}
	return d.WireVersion.Overlaps(&VersionRange{
		Min: MinSupportedWireVersion,
		Max: MaxSupportedWireVersion,
	})
}

// errorsEqual compares two errors by type and message along their entire
// unwrap chain.
func errorsEqual(x, y error) bool {
	for {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		if reflect.TypeOf(x) != reflect.TypeOf(y) || x.Error() != y.Error() {
			return false
		}
		x, y = errors.Unwrap(x), errors.Unwrap(y)
	}
}

func equalPtr[T comparable](x, y *T) bool {
	if x == nil || y == nil {
		return x == y
	}
	return *x == *y
}

type hashWriter struct {
	d   *xxhash.Digest
	buf [8]byte
}

func (h *hashWriter) putString(s string) {
	h.putInt(int64(len(s)))
	_, _ = h.d.WriteString(s)
}

func (h *hashWriter) putInt(v int64) {
	binary.LittleEndian.PutUint64(h.buf[:], uint64(v))
	_, _ = h.d.Write(h.buf[:])
}

func (h *hashWriter) putTime(t time.Time) {
	if t.IsZero() {
		h.putInt(0)
		return
	}
	h.putInt(t.UnixNano())
}

func (h *hashWriter) putObjectID(id *bson.ObjectID) {
	if id == nil {
		h.putInt(math.MinInt64)
		return
	}
	_, _ = h.d.Write(id[:])
}
