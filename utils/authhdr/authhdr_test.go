/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package authhdr_test

import (
	"net/http"
	"testing"

	"github.com/couchbase/stellar-sdam/utils/authhdr"
)

var TEST_HEADER string = "Basic YWxhZGRpbjpvcGVuc2VzYW1l"

func TestBasic(t *testing.T) {
	r := http.Request{
		Header: map[string][]string{
			"Authorization": {TEST_HEADER},
		},
	}
	httpUser, httpPass, ok := r.BasicAuth()
	if !ok {
		t.Fatalf("Failed to http decode header")
	}

	user, pass, ok := authhdr.DecodeBasicAuth(TEST_HEADER)
	if !ok {
		t.Fatalf("Failed to decode header")
	}

	if user != httpUser || pass != httpPass {
		t.Fatalf("Decoded %s:%s, expected %s:%s", user, pass, httpUser, httpPass)
	}
}

func TestBasicInvalid(t *testing.T) {
	for _, hdr := range []string{
		"",
		"Basic",
		"Bearer YWxhZGRpbjpvcGVuc2VzYW1l",
		"Basic !!!",
		"Basic YWxhZGRpbg==",
	} {
		if _, _, ok := authhdr.DecodeBasicAuth(hdr); ok {
			t.Fatalf("Expected %q to be rejected", hdr)
		}
	}
}

func TestBasicCaseInsensitive(t *testing.T) {
	user, pass, ok := authhdr.DecodeBasicAuth("bAsIc YWxhZGRpbjpvcGVuc2VzYW1l")
	if !ok || user != "aladdin" || pass != "opensesame" {
		t.Fatalf("Failed to decode mixed case scheme")
	}
}
