package clusterclock

import (
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
)

// Session is the part of a client session which tracks causal consistency
// state.
type Session interface {
	ClusterTime() bson.Raw
	AdvanceClusterTime(clusterTime bson.Raw)
	OperationTime() *bson.Timestamp
	AdvanceOperationTime(operationTime bson.Timestamp)
}

// BasicSession is a standalone Session backed by its own clock.
type BasicSession struct {
	clock *ClusterClock

	lock          sync.Mutex
	operationTime *bson.Timestamp
}

var _ Session = (*BasicSession)(nil)

func NewBasicSession() *BasicSession {
	return &BasicSession{
		clock: New(),
	}
}

func (s *BasicSession) ClusterTime() bson.Raw {
	return s.clock.ClusterTime()
}

func (s *BasicSession) AdvanceClusterTime(clusterTime bson.Raw) {
	s.clock.AdvanceClusterTime(clusterTime)
}

func (s *BasicSession) OperationTime() *bson.Timestamp {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.operationTime == nil {
		return nil
	}
	ts := *s.operationTime
	return &ts
}

func (s *BasicSession) AdvanceOperationTime(operationTime bson.Timestamp) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.operationTime == nil || compareTimestamps(operationTime, *s.operationTime) > 0 {
		s.operationTime = &operationTime
	}
}

// ClockAdvancingSession wraps a session so that every cluster time it
// observes also advances a shared cluster clock.
type ClockAdvancingSession struct {
	Session
	clock *ClusterClock
}

var _ Session = (*ClockAdvancingSession)(nil)

func NewClockAdvancingSession(session Session, clock *ClusterClock) (*ClockAdvancingSession, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: session must not be nil", ErrInvalidArgument)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: cluster clock must not be nil", ErrInvalidArgument)
	}

	return &ClockAdvancingSession{
		Session: session,
		clock:   clock,
	}, nil
}

// ClusterTime returns the greater of the session's and the shared clock's
// cluster times.
func (s *ClockAdvancingSession) ClusterTime() bson.Raw {
	return GreaterClusterTime(s.Session.ClusterTime(), s.clock.ClusterTime())
}

func (s *ClockAdvancingSession) AdvanceClusterTime(clusterTime bson.Raw) {
	s.Session.AdvanceClusterTime(clusterTime)
	s.clock.AdvanceClusterTime(clusterTime)
}
