package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/couchbase/stellar-sdam/core/description"
	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/exp/slices"
)

// ConnectionError is returned when establishing or using a connection fails.
type ConnectionError struct {
	ConnectionID description.ConnectionID
	ServiceID    *bson.ObjectID
	Message      string
	Cause        error

	// Network may be set by connection implementations to flag causes which
	// are not recognizable as network errors on their own.
	Network bool
}

func NewConnectionError(connID description.ConnectionID, message string, cause error) *ConnectionError {
	return &ConnectionError{
		ConnectionID: connID,
		Message:      message,
		Cause:        cause,
	}
}

// Error leaves out the connection's local id so failures of successive
// connections to the same server read the same.
func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection to %s: %s", e.ConnectionID.ServerID.Address, e.Message)
	}
	return fmt.Sprintf("connection to %s: %s: %s", e.ConnectionID.ServerID.Address, e.Message, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsNetworkTimeout reports whether the error was caused by a network
// operation timing out.
func (e *ConnectionError) IsNetworkTimeout() bool {
	if errors.Is(e.Cause, context.DeadlineExceeded) ||
		errors.Is(e.Cause, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(e.Cause, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsNetworkUnreachable reports whether the error was caused by the server's
// network or host being unreachable.
func (e *ConnectionError) IsNetworkUnreachable() bool {
	return errors.Is(e.Cause, syscall.ENETUNREACH) ||
		errors.Is(e.Cause, syscall.EHOSTUNREACH)
}

// IsNetworkError reports whether the error was caused by the network, rather
// than by the server rejecting something.
func (e *ConnectionError) IsNetworkError() bool {
	if e.Network || e.IsNetworkTimeout() || e.IsNetworkUnreachable() {
		return true
	}

	var netErr net.Error
	return errors.As(e.Cause, &netErr) ||
		errors.Is(e.Cause, io.EOF) ||
		errors.Is(e.Cause, io.ErrUnexpectedEOF) ||
		errors.Is(e.Cause, syscall.ECONNRESET) ||
		errors.Is(e.Cause, syscall.ECONNREFUSED) ||
		errors.Is(e.Cause, syscall.EPIPE)
}

// AuthenticationError is returned when the handshake of a new connection
// fails to authenticate.
type AuthenticationError struct {
	ConnectionID description.ConnectionID
	ServiceID    *bson.ObjectID
	Cause        error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed on connection to %s: %s", e.ConnectionID.ServerID.Address, e.Cause)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// Server error codes which indicate the server changed state and cached
// knowledge about it is stale.
const (
	CodeShutdownInProgress               int32 = 91
	CodePrimarySteppedDown               int32 = 189
	CodeNotWritablePrimary               int32 = 10107
	CodeInterruptedAtShutdown            int32 = 11600
	CodeInterruptedDueToReplStateChange  int32 = 11602
	CodeNotPrimaryNoSecondaryOk          int32 = 13435
	CodeNotPrimaryOrSecondary            int32 = 13436
	CodeLegacyNotPrimaryErrorCodeUnknown int32 = 10058
)

var notPrimaryCodes = []int32{
	CodeNotWritablePrimary,
	CodeNotPrimaryNoSecondaryOk,
	CodeLegacyNotPrimaryErrorCodeUnknown,
}

var recoveringCodes = []int32{
	CodeShutdownInProgress,
	CodePrimarySteppedDown,
	CodeInterruptedAtShutdown,
	CodeInterruptedDueToReplStateChange,
	CodeNotPrimaryOrSecondary,
}

var shutdownCodes = []int32{
	CodeShutdownInProgress,
	CodeInterruptedAtShutdown,
}

// CommandError is returned when a server answers a command with ok: 0.
type CommandError struct {
	ConnectionID    description.ConnectionID
	Code            int32
	CodeName        string
	Message         string
	TopologyVersion *description.TopologyVersion
	Reply           bson.Raw
}

func (e *CommandError) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("command failed (%d %s): %s", e.Code, e.CodeName, e.Message)
	}
	return fmt.Sprintf("command failed (%d): %s", e.Code, e.Message)
}

func (e *CommandError) IsNotPrimary() bool {
	return slices.Contains(notPrimaryCodes, e.Code)
}

func (e *CommandError) IsNodeRecovering() bool {
	return slices.Contains(recoveringCodes, e.Code)
}

// IsStateChange reports whether the error indicates the server is no longer
// in the role the driver believed it to be in.
func (e *CommandError) IsStateChange() bool {
	return e.IsNotPrimary() || e.IsNodeRecovering()
}

func (e *CommandError) IsShutdown() bool {
	return slices.Contains(shutdownCodes, e.Code)
}

type commandReply struct {
	OK              float64                      `bson:"ok"`
	Code            int32                        `bson:"code"`
	CodeName        string                       `bson:"codeName"`
	ErrMsg          string                       `bson:"errmsg"`
	TopologyVersion *description.TopologyVersion `bson:"topologyVersion"`
}

// CheckReply returns a CommandError if the reply indicates the command failed.
func CheckReply(connID description.ConnectionID, reply bson.Raw) error {
	var parsed commandReply
	err := bson.Unmarshal(reply, &parsed)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to decode command reply")
	}

	if parsed.OK == 1 {
		return nil
	}

	return &CommandError{
		ConnectionID:    connID,
		Code:            parsed.Code,
		CodeName:        parsed.CodeName,
		Message:         parsed.ErrMsg,
		TopologyVersion: parsed.TopologyVersion,
		Reply:           reply,
	}
}
