package grpchealthconn

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/couchbase/stellar-sdam/core/events"
	"github.com/couchbase/stellar-sdam/core/servermonitor"
	"github.com/couchbase/stellar-sdam/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func newTestOptions(t *testing.T, srv *testutils.HealthServer) *Options {
	return &Options{
		DialOptions: []grpc.DialOption{srv.DialOption},
		Logger:      zaptest.NewLogger(t),
	}
}

func openConnection(t *testing.T, srv *testutils.HealthServer) *Connection {
	serverID := description.ServerID{ClusterID: "cluster", Address: srv.Address}
	conn := NewConnection(serverID, srv.Address, newTestOptions(t, srv))
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Open(ctx))
	return conn
}

func helloCommand(t *testing.T, tv *description.TopologyVersion) bson.Raw {
	cmd, err := connection.HelloCommand(&connection.HelloCommandOptions{
		HelloOK:         true,
		TopologyVersion: tv,
		MaxAwaitTime:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	return cmd
}

func TestOpen(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)

	hello := conn.HelloResult()
	require.NotNil(t, hello)
	assert.Equal(t, description.ServerTypeStandalone, hello.ServerType())
	assert.True(t, hello.SupportsStreaming())
	assert.True(t, hello.HelloOK)
	assert.Equal(t, int32(defaultMaxWireVersion), hello.MaxWireVersion)
	assert.Equal(t, int64(1), hello.TopologyVersion.Counter)
	assert.Nil(t, conn.ServiceID())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	err := conn.SendCommand(context.Background(), helloCommand(t, nil), false)
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsNetworkError())
}

func TestOpenNotServing(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	serverID := description.ServerID{ClusterID: "cluster", Address: srv.Address}
	conn := NewConnection(serverID, srv.Address, newTestOptions(t, srv))
	defer func() { _ = conn.Close() }()

	err := conn.Open(context.Background())
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Error(), healthStatusNotServing)
	assert.Nil(t, conn.HelloResult())
}

func TestOpenUnknownService(t *testing.T) {
	srv := testutils.StartHealthServer(t)

	opts := newTestOptions(t, srv)
	opts.Service = "missing"

	serverID := description.ServerID{ClusterID: "cluster", Address: srv.Address}
	conn := NewConnection(serverID, srv.Address, opts)
	defer func() { _ = conn.Close() }()

	err := conn.Open(context.Background())
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.IsNetworkError())
}

func TestOpenWithCredentials(t *testing.T) {
	srv := testutils.StartHealthServer(t, testutils.WithCredentials("monitor", "secret"))
	serverID := description.ServerID{ClusterID: "cluster", Address: srv.Address}

	opts := newTestOptions(t, srv)
	opts.Username = "monitor"
	opts.Password = "wrong"

	conn := NewConnection(serverID, srv.Address, opts)
	defer func() { _ = conn.Close() }()
	assert.Error(t, conn.Open(context.Background()))

	opts.Password = "secret"
	conn = NewConnection(serverID, srv.Address, opts)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.Open(context.Background()))
}

func TestPolledHello(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)
	ctx := context.Background()

	_, err := conn.ReceiveResponse(ctx)
	assert.ErrorIs(t, err, ErrNoPendingCommand)

	require.NoError(t, conn.SendCommand(ctx, helloCommand(t, nil), false))
	resp, err := conn.ReceiveResponse(ctx)
	require.NoError(t, err)
	assert.False(t, resp.MoreToCome)
	require.NoError(t, connection.CheckReply(conn.ID(), resp.Body))

	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	require.NoError(t, conn.SendCommand(ctx, helloCommand(t, nil), false))
	resp, err = conn.ReceiveResponse(ctx)
	require.NoError(t, err)

	err = connection.CheckReply(conn.ID(), resp.Body)
	var cmdErr *connection.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.IsShutdown())
	require.NotNil(t, cmdErr.TopologyVersion)
	assert.Equal(t, int64(2), cmdErr.TopologyVersion.Counter)
	assert.Equal(t, conn.HelloResult().TopologyVersion.ProcessID, cmdErr.TopologyVersion.ProcessID)
}

func TestOtherCommands(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)
	ctx := context.Background()

	ping := testutils.MarshalDoc(t, bson.D{{Key: "ping", Value: 1}})
	require.NoError(t, conn.SendCommand(ctx, ping, false))

	resp, err := conn.ReceiveResponse(ctx)
	require.NoError(t, err)
	require.NoError(t, connection.CheckReply(conn.ID(), resp.Body))

	_, err = resp.Body.LookupErr("isWritablePrimary")
	assert.Error(t, err)

	err = conn.SendCommand(ctx, bson.Raw{0x01}, false)
	assert.Error(t, err)
}

func TestStreamedHello(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.SendCommand(ctx, helloCommand(t, conn.HelloResult().TopologyVersion), true))

	// the watch reports the current status straight away
	resp, err := conn.ReceiveResponse(ctx)
	require.NoError(t, err)
	assert.True(t, resp.MoreToCome)
	require.NoError(t, connection.CheckReply(conn.ID(), resp.Body))

	// with nothing changing, the current status is repeated once the await
	// time passes
	resp, err = conn.ReceiveResponse(ctx)
	require.NoError(t, err)
	assert.True(t, resp.MoreToCome)

	hello, err := description.ParseHelloResult(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hello.TopologyVersion.Counter)

	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	require.Eventually(t, func() bool {
		resp, err := conn.ReceiveResponse(ctx)
		if err != nil {
			return false
		}
		return connection.CheckReply(conn.ID(), resp.Body) != nil
	}, 5*time.Second, time.Millisecond)
}

func TestAwaitableHelloWithoutExhaustIsPolled(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.SendCommand(ctx, helloCommand(t, conn.HelloResult().TopologyVersion), false))

	resp, err := conn.ReceiveResponse(ctx)
	require.NoError(t, err)
	assert.False(t, resp.MoreToCome)
}

func TestReceiveHonoursContext(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	conn := openConnection(t, srv)

	cmd, err := connection.HelloCommand(&connection.HelloCommandOptions{
		HelloOK:         true,
		TopologyVersion: conn.HelloResult().TopologyVersion,
		MaxAwaitTime:    time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, conn.SendCommand(context.Background(), cmd, true))

	// drain the initial status
	_, err = conn.ReceiveResponse(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = conn.ReceiveResponse(ctx)
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsNetworkTimeout())
}

func TestServerMonitorOverHealthChecks(t *testing.T) {
	srv := testutils.StartHealthServer(t)
	subscriber := testutils.NewCapturingSubscriber()

	serverID := description.ServerID{ClusterID: "cluster", Address: srv.Address}
	monitor, err := servermonitor.New(&servermonitor.Options{
		ServerID:          serverID,
		ConnectionFactory: NewFactory(newTestOptions(t, srv)),
		Settings: &servermonitor.Settings{
			HeartbeatInterval:    50 * time.Millisecond,
			MinHeartbeatInterval: 10 * time.Millisecond,
			ConnectTimeout:       5 * time.Second,
			MonitoringMode:       servermonitor.MonitoringModeStream,
		},
		Subscriber: subscriber,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer monitor.Close()

	monitor.Initialize()

	require.Eventually(t, func() bool {
		return monitor.Description().Type == description.ServerTypeStandalone
	}, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		for _, evt := range testutils.EventsOfType[events.ServerHeartbeatStarted](subscriber) {
			if evt.Awaited {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	require.Eventually(t, func() bool {
		desc := monitor.Description()
		return desc.Type == description.ServerTypeUnknown && desc.HeartbeatErr != nil
	}, 5*time.Second, time.Millisecond)

	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	require.Eventually(t, func() bool {
		return monitor.Description().Type == description.ServerTypeStandalone
	}, 5*time.Second, time.Millisecond)
}

func TestIntegrationEndpoint(t *testing.T) {
	cfg := testutils.GetTestConfig(t)

	serverID := description.ServerID{ClusterID: "cluster", Address: cfg.Endpoint}
	conn := NewConnection(serverID, cfg.Endpoint, &Options{
		Service:  cfg.Service,
		Username: cfg.User,
		Password: cfg.Pass,
		Logger:   zaptest.NewLogger(t),
	})
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Open(ctx))
	assert.Equal(t, description.ServerTypeStandalone, conn.HelloResult().ServerType())
}
