package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrCallTimeout resolves a call whose deadline passed with no response.
	ErrCallTimeout = errors.New("rpc call timed out")

	// ErrCallCancelled resolves a call whose context was cancelled.
	ErrCallCancelled = errors.New("rpc call cancelled")

	// ErrDispatcherClosed resolves calls still pending when the
	// dispatcher shuts down.
	ErrDispatcherClosed = errors.New("rpc dispatcher closed")
)

// RemoteError carries a failure reported by the remote handler.
type RemoteError struct {
	Procedure string // canonical name, e.g. "example.hello_world"
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.Procedure, e.Message)
}
