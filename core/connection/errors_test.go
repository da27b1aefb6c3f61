package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/couchbase/stellar-sdam/core/description"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func testConnectionID() description.ConnectionID {
	return description.NextConnectionID(description.ServerID{
		ClusterID: "cluster",
		Address:   "localhost:27017",
	})
}

func TestConnectionErrorClassification(t *testing.T) {
	checkOne := func(cause error, timeout, unreachable, network bool) {
		t.Helper()

		err := NewConnectionError(testConnectionID(), "failed", cause)
		assert.Equal(t, timeout, err.IsNetworkTimeout(), "timeout for %v", cause)
		assert.Equal(t, unreachable, err.IsNetworkUnreachable(), "unreachable for %v", cause)
		assert.Equal(t, network, err.IsNetworkError(), "network for %v", cause)
	}

	checkOne(context.DeadlineExceeded, true, false, true)
	checkOne(os.ErrDeadlineExceeded, true, false, true)
	checkOne(&net.OpError{Op: "read", Err: timeoutError{}}, true, false, true)
	checkOne(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, false, true, true)
	checkOne(syscall.EHOSTUNREACH, false, true, true)
	checkOne(syscall.ECONNREFUSED, false, false, true)
	checkOne(io.EOF, false, false, true)
	checkOne(errors.New("handshake rejected"), false, false, false)
	checkOne(nil, false, false, false)
}

func TestConnectionErrorExplicitNetwork(t *testing.T) {
	err := NewConnectionError(testConnectionID(), "stream broken", errors.New("transport closing"))
	assert.False(t, err.IsNetworkError())

	err.Network = true
	assert.True(t, err.IsNetworkError())
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewConnectionError(testConnectionID(), "failed to open", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to open")
	assert.Contains(t, err.Error(), "boom")

	var connErr *ConnectionError
	require.ErrorAs(t, error(err), &connErr)
}

func TestAuthenticationErrorUnwrap(t *testing.T) {
	cause := errors.New("bad credentials")
	err := &AuthenticationError{ConnectionID: testConnectionID(), Cause: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestCommandErrorCodes(t *testing.T) {
	checkOne := func(code int32, notPrimary, recovering, shutdown bool) {
		t.Helper()

		err := &CommandError{Code: code}
		assert.Equal(t, notPrimary, err.IsNotPrimary(), "notPrimary for %d", code)
		assert.Equal(t, recovering, err.IsNodeRecovering(), "recovering for %d", code)
		assert.Equal(t, shutdown, err.IsShutdown(), "shutdown for %d", code)
		assert.Equal(t, notPrimary || recovering, err.IsStateChange(), "stateChange for %d", code)
	}

	checkOne(CodeNotWritablePrimary, true, false, false)
	checkOne(CodeNotPrimaryNoSecondaryOk, true, false, false)
	checkOne(CodeNotPrimaryOrSecondary, false, true, false)
	checkOne(CodePrimarySteppedDown, false, true, false)
	checkOne(CodeShutdownInProgress, false, true, true)
	checkOne(CodeInterruptedAtShutdown, false, true, true)
	checkOne(CodeInterruptedDueToReplStateChange, false, true, false)
	checkOne(11000, false, false, false)
}

func TestCheckReply(t *testing.T) {
	connID := testConnectionID()

	t.Run("Success", func(t *testing.T) {
		reply, err := bson.Marshal(bson.D{{Key: "ok", Value: 1}})
		require.NoError(t, err)

		require.NoError(t, CheckReply(connID, reply))
	})

	t.Run("Failure", func(t *testing.T) {
		processID := bson.NewObjectID()
		reply, err := bson.Marshal(bson.D{
			{Key: "ok", Value: 0},
			{Key: "code", Value: CodeNotWritablePrimary},
			{Key: "codeName", Value: "NotWritablePrimary"},
			{Key: "errmsg", Value: "not primary"},
			{Key: "topologyVersion", Value: bson.D{
				{Key: "processId", Value: processID},
				{Key: "counter", Value: int64(3)},
			}},
		})
		require.NoError(t, err)

		err = CheckReply(connID, reply)

		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, CodeNotWritablePrimary, cmdErr.Code)
		assert.Equal(t, "not primary", cmdErr.Message)
		assert.Equal(t, description.NewTopologyVersion(processID, 3), cmdErr.TopologyVersion)
		assert.True(t, cmdErr.IsStateChange())
		assert.Equal(t, connID, cmdErr.ConnectionID)
	})

	t.Run("Malformed", func(t *testing.T) {
		require.Error(t, CheckReply(connID, bson.Raw{0x01}))
	})
}

func TestConnectionErrorTextIgnoresLocalID(t *testing.T) {
	cause := errors.New("refused")
	first := NewConnectionError(testConnectionID(), "dial failed", cause)
	second := NewConnectionError(testConnectionID(), "dial failed", cause)

	assert.NotEqual(t, first.ConnectionID, second.ConnectionID)
	assert.Equal(t, first.Error(), second.Error())
	assert.Contains(t, first.Error(), "localhost:27017")

	authFirst := &AuthenticationError{ConnectionID: testConnectionID(), Cause: cause}
	authSecond := &AuthenticationError{ConnectionID: testConnectionID(), Cause: cause}
	assert.Equal(t, authFirst.Error(), authSecond.Error())
}
