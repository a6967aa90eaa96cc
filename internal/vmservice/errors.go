package vmservice

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by calls issued without an open connection.
	ErrNotConnected = errors.New("vm service: not connected")
	// ErrTimeout is returned when no response arrives within the call timeout.
	ErrTimeout = errors.New("vm service: call timed out")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("vm service: client closed")
	// errDisconnected marks calls abandoned by an explicit Disconnect.
	errDisconnected = errors.New("disconnected")
)

// VM service protocol error codes the client reacts to.
const (
	CodeMethodNotFound          = -32601
	CodeStreamAlreadySubscribed = 103
	CodeIsolateMustBeRunnable   = 105
)

// ConnectionError reports a transport-level failure: the socket could not be
// opened, or an open connection broke while calls were pending.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vm service connection %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is an error frame returned by the VM service for one call.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("vm service error %d: %s", e.Code, e.Message)
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}
