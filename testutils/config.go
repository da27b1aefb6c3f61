/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"sync"
	"testing"
)

// Config describes an externally provided gRPC health endpoint used by the
// integration tests.
type Config struct {
	Endpoint string
	Service  string
	User     string
	Pass     string
}

var (
	globalTestConfig     *Config
	globalTestConfigOnce sync.Once
)

// GetTestConfig reads the integration test configuration from the
// environment, skipping the test when no endpoint is configured.
func GetTestConfig(t *testing.T) *Config {
	globalTestConfigOnce.Do(func() {
		testConfig := &Config{
			Endpoint: os.Getenv("SDAMTEST_ENDPOINT"),
			Service:  os.Getenv("SDAMTEST_SERVICE"),
			User:     os.Getenv("SDAMTEST_USER"),
			Pass:     os.Getenv("SDAMTEST_PASS"),
		}

		t.Logf("initialized test configuration")
		t.Logf("  endpoint: %s", testConfig.Endpoint)
		t.Logf("  service: %s", testConfig.Service)
		t.Logf("  user: %s", testConfig.User)

		globalTestConfig = testConfig
	})

	if globalTestConfig.Endpoint == "" {
		t.Skip("SDAMTEST_ENDPOINT is not set")
	}

	return globalTestConfig
}
