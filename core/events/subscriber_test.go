package events

import (
	"errors"
	"testing"
	"time"

	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMulti(t *testing.T) {
	var first, second []Event

	s := Multi(
		SubscriberFunc(func(evt Event) { first = append(first, evt) }),
		nil,
		SubscriberFunc(func(evt Event) { second = append(second, evt) }),
	)

	evt := ServerOpening{ServerID: description.ServerID{Address: "a:1"}}
	s.Publish(evt)

	assert.Equal(t, []Event{evt}, first)
	assert.Equal(t, []Event{evt}, second)
}

func TestMultiCollapses(t *testing.T) {
	assert.Equal(t, Nop, Multi())
	assert.Equal(t, Nop, Multi(nil, nil))

	single := SubscriberFunc(func(Event) {})
	_, isMulti := Multi(single).(multiSubscriber)
	assert.False(t, isMulti)
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop, OrNop(nil))

	s := NewLogSubscriber(zap.NewNop())
	assert.Equal(t, s, OrNop(s))
}

func TestLogSubscriber(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSubscriber(zap.New(core))

	serverID := description.ServerID{ClusterID: "c", Address: "a:1"}
	connID := description.NextConnectionID(serverID)
	prev := description.NewServerDescription(serverID)
	next := prev.With(description.WithHeartbeatError(errors.New("connection refused")))

	s.Publish(ServerOpening{ServerID: serverID})
	s.Publish(ServerHeartbeatStarted{ConnectionID: connID})
	s.Publish(ServerHeartbeatFailed{ConnectionID: connID, Duration: time.Millisecond, Err: errors.New("boom")})
	s.Publish(ServerDescriptionChanged{ServerID: serverID, PreviousDescription: prev, NewDescription: next})
	s.Publish(ConnectionPoolCleared{ServerID: serverID, Reason: "heartbeat failed"})

	entries := logs.AllUntimed()
	require.Len(t, entries, 5)
	assert.Equal(t, "server opening", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "server heartbeat failed", entries[2].Message)
	assert.Equal(t, "server description changed", entries[3].Message)
	assert.Equal(t, "connection refused", entries[3].ContextMap()["heartbeatError"])
	assert.Equal(t, "connection pool cleared", entries[4].Message)
}
