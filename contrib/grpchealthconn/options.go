/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package grpchealthconn

import (
	"time"

	"github.com/couchbase/stellar-sdam/contrib/grpcheaderauth"
	"github.com/couchbase/stellar-sdam/pkg/interceptors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultOpenRetries     = 3
	defaultMaxAwaitTime    = 10 * time.Second
	defaultMaxWireVersion  = 21
	defaultMaxPoolSize     = 16
	healthStatusNotServing = "health service is not serving"
)

type Options struct {
	// Service is the name of the service whose health is checked.  The
	// empty name checks the server as a whole.
	Service string

	Username string
	Password string

	// DialOptions are appended to the defaults, which use insecure transport
	// credentials.
	DialOptions []grpc.DialOption

	// OpenRetries bounds how often an unavailable server is retried while
	// opening a connection.
	OpenRetries uint64

	// MaxWireVersion is reported in the synthesized handshake replies.
	MaxWireVersion int32

	Logger *zap.Logger
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}

	if out.OpenRetries == 0 {
		out.OpenRetries = defaultOpenRetries
	}
	if out.MaxWireVersion == 0 {
		out.MaxWireVersion = defaultMaxWireVersion
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}

	return &out
}

func (o *Options) dialOptions() ([]grpc.DialOption, error) {
	logging := interceptors.NewLoggingInterceptor(o.Logger)
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(logging.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(logging.StreamClientInterceptor()),
	}

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}

	if o.Username != "" {
		creds, err := grpcheaderauth.NewBasicAuth(o.Username, o.Password, false)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(creds))
	}

	return append(dialOpts, o.DialOptions...), nil
}
