package app_config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/couchbase/stellar-sdam/core/servermonitor"
	"github.com/couchbaselabs/gocbconnstr"
	"github.com/pkg/errors"
)

// DefaultPort is used for seeds which do not name a port.
const DefaultPort = 18098

// SeedList is a parsed connection string such as
// grpc://h1:18098,h2?heartbeatInterval=5s&monitoringMode=poll.
type SeedList struct {
	Addresses []string

	// The following override the configured settings when present.
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	MonitoringMode    *servermonitor.MonitoringMode
	LoadBalanced      *bool
}

func ParseSeedList(connStr string) (*SeedList, error) {
	connSpec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse connection string")
	}

	switch connSpec.Scheme {
	case "", "grpc":
	default:
		return nil, errors.Errorf("unsupported connection string scheme %q", connSpec.Scheme)
	}

	if len(connSpec.Addresses) == 0 {
		return nil, errors.New("connection string lists no servers")
	}

	seeds := &SeedList{}
	seen := make(map[string]struct{}, len(connSpec.Addresses))
	for _, addr := range connSpec.Addresses {
		port := addr.Port
		if port <= 0 {
			port = DefaultPort
		}

		// ipv6 hosts keep their brackets
		host := strings.TrimSuffix(strings.TrimPrefix(addr.Host, "["), "]")
		address := net.JoinHostPort(host, strconv.Itoa(port))
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		seeds.Addresses = append(seeds.Addresses, address)
	}

	for key, values := range connSpec.Options {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]

		switch key {
		case "heartbeatInterval":
			seeds.HeartbeatInterval, err = parsePositiveDuration(key, value)
		case "connectTimeout":
			seeds.ConnectTimeout, err = parsePositiveDuration(key, value)
		case "monitoringMode":
			var mode servermonitor.MonitoringMode
			mode, err = servermonitor.ParseMonitoringMode(value)
			seeds.MonitoringMode = &mode
		case "loadBalanced":
			var loadBalanced bool
			loadBalanced, err = strconv.ParseBool(value)
			seeds.LoadBalanced = &loadBalanced
		default:
			err = errors.Errorf("unknown connection string option %q", key)
		}
		if err != nil {
			return nil, err
		}
	}

	if seeds.LoadBalanced != nil && *seeds.LoadBalanced && len(seeds.Addresses) > 1 {
		return nil, errors.New("a load balanced connection string must list exactly one server")
	}

	return seeds, nil
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return d, nil
}
