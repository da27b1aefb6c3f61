package interceptors

import (
	"context"
	"testing"

	"github.com/couchbase/stellar-sdam/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestLoggingInterceptor(t *testing.T) {
	srv := testutils.StartHealthServer(t)

	core, logs := observer.New(zapcore.DebugLevel)
	li := NewLoggingInterceptor(zap.New(core))

	conn, err := grpc.NewClient(srv.Address,
		srv.DialOption,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(li.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(li.StreamClientInterceptor()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client := grpc_health_v1.NewHealthClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	_, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "missing"})
	require.Error(t, err)

	_, err = client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	calls := logs.FilterMessage("call completed").All()
	require.Len(t, calls, 2)
	assert.Equal(t, "/grpc.health.v1.Health/Check", calls[0].ContextMap()["method"])
	assert.Equal(t, "OK", calls[0].ContextMap()["code"])
	assert.Equal(t, "NotFound", calls[1].ContextMap()["code"])

	streams := logs.FilterMessage("stream opened").All()
	require.Len(t, streams, 1)
	assert.Equal(t, "/grpc.health.v1.Health/Watch", streams[0].ContextMap()["method"])
}
