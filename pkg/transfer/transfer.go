// Package transfer copies a single small file between the local host and
// the management console over an open session.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
)

const (
	// DefaultChunkSize is the size of the blocks files are sent and received in.
	DefaultChunkSize = 1024
	// LocalFileMode is the mode pulled files are created with.
	LocalFileMode os.FileMode = 0755
)

// ErrRemoteFileAbsent is returned by Pull when the remote file does not
// exist or the copy could not be established. Callers bootstrapping state
// treat it as an expected condition rather than a transport failure.
var ErrRemoteFileAbsent = errors.New("remote file absent")

// Transferer pushes and pulls whole files.
type Transferer interface {
	Push(ctx context.Context, localPath, remotePath string) error
	Pull(ctx context.Context, remotePath, localPath string) error
}

// RemoteError is an error message sent by the remote copy peer.
type RemoteError struct {
	Path    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote copy of %s failed: %s", e.Path, e.Message)
}

// LocalError is a failure to access the local side of a transfer.
type LocalError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }
