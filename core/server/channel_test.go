package server

import (
	"context"
	"io"
	"testing"

	"github.com/couchbase/stellar-sdam/core/clusterclock"
	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/couchbase/stellar-sdam/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// scriptConnections makes the pool hand out connections which answer every
// command with reply, or fail sends with sendErr.
func scriptConnections(ts *testServer, reply bson.Raw, sendErr error) *[]*testutils.FakeConnection {
	var conns []*testutils.FakeConnection
	ts.pool.AcquireFn = func(ctx context.Context) (connection.Connection, error) {
		conn := &testutils.FakeConnection{
			ConnID:         description.NextConnectionID(testServerID),
			HandshakeReply: reply,
			OnSend: func(ctx context.Context, cmd bson.Raw) error {
				return sendErr
			},
		}
		conns = append(conns, conn)
		return conn, nil
	}
	return &conns
}

func clusterTimeDoc(seconds uint32) bson.D {
	return bson.D{
		{Key: "clusterTime", Value: bson.Timestamp{T: seconds, I: 1}},
		{Key: "signature", Value: bson.D{{Key: "keyId", Value: int64(0)}}},
	}
}

func TestCommandGossipsClusterTime(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.server.Initialize())

	reply := testutils.MarshalDoc(t, bson.D{
		{Key: "ok", Value: 1},
		{Key: "$clusterTime", Value: clusterTimeDoc(10)},
		{Key: "operationTime", Value: bson.Timestamp{T: 10, I: 1}},
	})
	conns := scriptConnections(ts, reply, nil)

	channel, err := ts.server.GetChannel(context.Background())
	require.NoError(t, err)
	defer func() { _ = channel.Close() }()

	session := clusterclock.NewBasicSession()
	cmd := testutils.MarshalDoc(t, bson.D{{Key: "ping", Value: 1}})

	// nothing has been observed yet, so no cluster time is sent
	_, err = channel.Command(context.Background(), session, cmd)
	require.NoError(t, err)

	sent := (*conns)[0].SentCommands()
	require.Len(t, sent, 1)
	_, err = sent[0].LookupErr("$clusterTime")
	assert.Error(t, err)

	clusterTime := ts.server.ClusterClock().ClusterTime()
	require.NotNil(t, clusterTime)
	ct, i, ok := clusterTime.Lookup("clusterTime").TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(10), ct)
	assert.Equal(t, uint32(1), i)

	assert.NotNil(t, session.ClusterTime())
	require.NotNil(t, session.OperationTime())
	assert.Equal(t, uint32(10), session.OperationTime().T)

	// later commands carry the cluster time, even from other sessions
	_, err = channel.Command(context.Background(), nil, cmd)
	require.NoError(t, err)

	sent = (*conns)[0].SentCommands()
	require.Len(t, sent, 2)
	assert.Equal(t, "ping", sent[1].Index(0).Key())
	gossiped, err := sent[1].LookupErr("$clusterTime")
	require.NoError(t, err)
	assert.Equal(t, 0, clusterclock.CompareClusterTimes(gossiped.Document(), clusterTime))
}

func TestCommandOnClosedChannel(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.server.Initialize())

	channel, err := ts.server.GetChannel(context.Background())
	require.NoError(t, err)
	require.NoError(t, channel.Close())

	_, err = channel.Command(context.Background(), nil, testutils.MarshalDoc(t, bson.D{{Key: "ping", Value: 1}}))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelErrors(t *testing.T) {
	ping := func(t testing.TB) bson.Raw {
		return testutils.MarshalDoc(t, bson.D{{Key: "ping", Value: 1}})
	}
	errorReply := func(t testing.TB, code int32) bson.Raw {
		return testutils.MarshalDoc(t, bson.D{
			{Key: "ok", Value: 0},
			{Key: "code", Value: code},
			{Key: "errmsg", Value: "state changed"},
		})
	}
	legacyHello := func(t testing.TB) bson.Raw {
		return testutils.MarshalDoc(t, bson.D{
			{Key: "ok", Value: 1},
			{Key: "ismaster", Value: true},
			{Key: "minWireVersion", Value: int32(0)},
			{Key: "maxWireVersion", Value: int32(6)},
		})
	}

	testCases := []struct {
		name          string
		hello         func(t testing.TB) bson.Raw
		reply         func(t testing.TB) bson.Raw
		sendErr       error
		invalidations int
		clears        int
	}{
		{
			name:          "NetworkError",
			hello:         testutils.StandaloneHello,
			sendErr:       connection.NewConnectionError(description.ConnectionID{}, "send failed", io.EOF),
			invalidations: 1,
			clears:        1,
		},
		{
			name:    "NetworkTimeout",
			hello:   testutils.StandaloneHello,
			sendErr: connection.NewConnectionError(description.ConnectionID{}, "send failed", context.DeadlineExceeded),
		},
		{
			name:    "Cancelled",
			hello:   testutils.StandaloneHello,
			sendErr: context.Canceled,
		},
		{
			name:          "NotWritablePrimary",
			hello:         testutils.StandaloneHello,
			reply:         func(t testing.TB) bson.Raw { return errorReply(t, connection.CodeNotWritablePrimary) },
			invalidations: 1,
		},
		{
			name:          "ShutdownInProgress",
			hello:         testutils.StandaloneHello,
			reply:         func(t testing.TB) bson.Raw { return errorReply(t, connection.CodeShutdownInProgress) },
			invalidations: 1,
			clears:        1,
		},
		{
			name:          "NotWritablePrimaryOldServer",
			hello:         legacyHello,
			reply:         func(t testing.TB) bson.Raw { return errorReply(t, connection.CodeNotWritablePrimary) },
			invalidations: 1,
			clears:        1,
		},
		{
			name:  "OtherCommandError",
			hello: testutils.StandaloneHello,
			reply: func(t testing.TB) bson.Raw { return errorReply(t, 2) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			require.NoError(t, ts.server.Initialize())
			ts.setHello(t, tc.hello(t))

			reply := testutils.MarshalDoc(t, bson.D{{Key: "ok", Value: 1}})
			if tc.reply != nil {
				reply = tc.reply(t)
			}
			scriptConnections(ts, reply, tc.sendErr)

			channel, err := ts.server.GetChannel(context.Background())
			require.NoError(t, err)
			defer func() { _ = channel.Close() }()

			_, err = channel.Command(context.Background(), nil, ping(t))
			require.Error(t, err)

			assert.Len(t, ts.monitor.Invalidations(), tc.invalidations)
			assert.Equal(t, tc.clears, ts.pool.ClearCount())
			assert.Equal(t, tc.invalidations, ts.monitor.HeartbeatRequests())
		})
	}
}
