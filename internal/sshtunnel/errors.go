package sshtunnel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConnectionError marks transport-level faults: failed dials, dropped
// connections, broken sessions. These are retryable; the caller may
// Reconnect and resume from its last confirmed offset.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s lost: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError marks a remote command that ran and exited non-zero. Unlike a
// connection fault this is generally not retryable.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command %q exited %d: %s", e.Cmd, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("remote command %q exited %d", e.Cmd, e.ExitCode)
}

// IsConnectionLost reports whether err is (or wraps) a transport fault.
func IsConnectionLost(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// AsCommandError returns the remote command failure wrapped in err, if any.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
