package server

import (
	"context"
	"errors"

	"github.com/couchbase/stellar-sdam/core/connection"
	"go.uber.org/zap"
)

// Servers from this wire version on keep their pool when stepping down, so
// only shutdowns clear it.
const keepPoolOnNotPrimaryWireVersion = 8

// handleAcquireError reacts to failures establishing a pooled connection.
func (s *Server) handleAcquireError(err error) {
	if !s.isOpen() {
		return
	}

	var authErr *connection.AuthenticationError
	if errors.As(err, &authErr) {
		if s.loadBalanced {
			if authErr.ServiceID != nil {
				s.clearService(*authErr.ServiceID, "authentication failed")
			}
			return
		}

		s.clearPool("authentication failed")
		return
	}

	var connErr *connection.ConnectionError
	if !errors.As(err, &connErr) {
		return
	}

	if connErr.IsNetworkTimeout() || connErr.IsNetworkUnreachable() {
		s.logger.Debug("ignoring transient connection failure", zap.Error(err))
		return
	}

	if s.loadBalanced {
		if connErr.ServiceID != nil {
			s.clearService(*connErr.ServiceID, "connection failed")
		}
		return
	}

	s.invalidate("ConnectionFailed", nil, true)
	s.monitor.CancelCurrentCheck()
}

// handleChannelError reacts to failures of an operation running over an
// established connection.
func (s *Server) handleChannelError(err error) {
	if !s.isOpen() || errors.Is(err, context.Canceled) {
		return
	}

	var connErr *connection.ConnectionError
	if errors.As(err, &connErr) {
		if !connErr.IsNetworkError() || connErr.IsNetworkTimeout() {
			return
		}

		if s.loadBalanced {
			if connErr.ServiceID != nil {
				s.clearService(*connErr.ServiceID, "network error")
			}
			return
		}

		s.invalidate("ChannelException", nil, true)
		return
	}

	var cmdErr *connection.CommandError
	if errors.As(err, &cmdErr) && cmdErr.IsStateChange() {
		if s.loadBalanced {
			return
		}

		clearPool := cmdErr.IsShutdown() || s.maxWireVersion() < keepPoolOnNotPrimaryWireVersion
		s.invalidate("ChannelException", cmdErr.TopologyVersion, clearPool)
	}
}

func (s *Server) maxWireVersion() int32 {
	wireVersion := s.Description().WireVersion
	if wireVersion == nil {
		return 0
	}
	return wireVersion.Max
}
