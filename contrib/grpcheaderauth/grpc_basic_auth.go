/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package grpcheaderauth

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc/credentials"
)

var ErrMissingUsername = errors.New("username must not be empty")

// BasicAuth attaches an HTTP basic authorization header to every RPC.
type BasicAuth struct {
	encodedData   string
	requireSecure bool
}

var _ credentials.PerRPCCredentials = (*BasicAuth)(nil)

// NewBasicAuth builds basic auth credentials.  When requireSecure is set,
// gRPC refuses to send them over connections without transport security.
func NewBasicAuth(username, password string, requireSecure bool) (*BasicAuth, error) {
	if username == "" {
		return nil, ErrMissingUsername
	}

	return &BasicAuth{
		encodedData:   base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
		requireSecure: requireSecure,
	}, nil
}

func (a *BasicAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Basic " + a.encodedData,
	}, nil
}

func (a *BasicAuth) RequireTransportSecurity() bool {
	return a.requireSecure
}
