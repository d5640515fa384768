package connector

import (
	"errors"
	"fmt"
)

// ErrWouldBlock is returned by every non-blocking transport primitive that
// cannot make progress right now. It is never a definitive result: callers
// wait for readiness and retry.
var ErrWouldBlock = errors.New("operation would block")

// ErrInterrupted is returned by a Waiter whose wait was interrupted before
// the transport became ready. Retry loops treat it like a completed wait.
var ErrInterrupted = errors.New("wait interrupted")

// ErrSessionClosed is returned once the underlying session has been torn down.
var ErrSessionClosed = errors.New("session closed")

// ErrNoCredentials is returned when authentication needs interactive
// credentials and no callback was provided.
var ErrNoCredentials = errors.New("no authentication callback provided")

// ExitStatusUnavailable is the out-of-range exit status reported when a
// command channel did not close cleanly and no real status is available.
const ExitStatusUnavailable = -1

// TransportError represents a failure to establish or authenticate a session.
type TransportError struct {
	Host string
	Err  error
}

// Error returns a string representation of the TransportError.
func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to connect to host %s: %v", e.Host, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a definitive transport failure during one operation on a
// channel (open, exec, read, write, close) or a failed readiness wait.
type ProtocolError struct {
	Op  string
	Err error
	// ExitStatus is ExitStatusUnavailable for failures of command channels.
	ExitStatus int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CommandError encapsulates a remote command that completed with a nonzero
// exit status.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error returns a string representation of the CommandError.
func (e *CommandError) Error() string {
	errMsg := fmt.Sprintf("command '%s' failed with exit code %d", e.Cmd, e.ExitCode)
	if e.Stderr != "" {
		errMsg = fmt.Sprintf("%s: %s", errMsg, e.Stderr)
	}
	return errMsg
}

// IsWouldBlock reports whether err is, or wraps, ErrWouldBlock.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
