package testutils

import (
	"context"
	"net"
	"testing"

	"github.com/couchbase/stellar-sdam/utils/authhdr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// HealthServer is an in-process gRPC health checking server.
type HealthServer struct {
	*health.Server

	// Address is dialable together with DialOption.
	Address    string
	DialOption grpc.DialOption
}

type healthServerOptions struct {
	username string
	password string
}

type HealthServerOption func(*healthServerOptions)

// WithCredentials makes the server reject calls which do not carry these
// basic auth credentials.
func WithCredentials(username, password string) HealthServerOption {
	return func(o *healthServerOptions) {
		o.username = username
		o.password = password
	}
}

func (o *healthServerOptions) authorize(ctx context.Context) error {
	if o.username == "" {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	for _, hdr := range md.Get("authorization") {
		username, password, ok := authhdr.DecodeBasicAuth(hdr)
		if ok && username == o.username && password == o.password {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "invalid credentials")
}

// StartHealthServer serves the health checking protocol over an in-memory
// listener for the duration of the test.  The server starts out serving.
func StartHealthServer(t testing.TB, opts ...HealthServerOption) *HealthServer {
	t.Helper()

	var options healthServerOptions
	for _, opt := range opts {
		opt(&options)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			if err := options.authorize(ctx); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		}),
		grpc.StreamInterceptor(func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			if err := options.authorize(ss.Context()); err != nil {
				return err
			}
			return handler(srv, ss)
		}))

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, healthSrv)

	go func() {
		_ = srv.Serve(lis)
	}()

	t.Cleanup(func() {
		srv.Stop()
		_ = lis.Close()
	})

	return &HealthServer{
		Server:  healthSrv,
		Address: "passthrough:///bufnet",
		DialOption: grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}
