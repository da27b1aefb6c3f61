package testutils

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func MarshalDoc(t testing.TB, doc bson.D) bson.Raw {
	t.Helper()

	bytes, err := bson.Marshal(doc)
	require.NoError(t, err)
	return bson.Raw(bytes)
}

// StandaloneHello is the hello reply of a standalone server which does not
// support streaming.
func StandaloneHello(t testing.TB) bson.Raw {
	return MarshalDoc(t, bson.D{
		{Key: "ok", Value: 1},
		{Key: "isWritablePrimary", Value: true},
		{Key: "helloOk", Value: true},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
	})
}

// StreamingHello is the hello reply of a replica set primary which reports a
// topology version, and so supports awaitable hello commands.
func StreamingHello(t testing.TB, processID bson.ObjectID, counter int64) bson.Raw {
	return MarshalDoc(t, bson.D{
		{Key: "ok", Value: 1},
		{Key: "isWritablePrimary", Value: true},
		{Key: "setName", Value: "rs0"},
		{Key: "hosts", Value: bson.A{"localhost:27017"}},
		{Key: "helloOk", Value: true},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "topologyVersion", Value: bson.D{
			{Key: "processId", Value: processID},
			{Key: "counter", Value: counter},
		}},
	})
}

// LoadBalancerHello is the hello reply of a server behind a load balancer.
func LoadBalancerHello(t testing.TB, serviceID bson.ObjectID) bson.Raw {
	return MarshalDoc(t, bson.D{
		{Key: "ok", Value: 1},
		{Key: "isWritablePrimary", Value: true},
		{Key: "helloOk", Value: true},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "serviceId", Value: serviceID},
	})
}
