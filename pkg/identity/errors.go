package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Lookup when no live record has the id.
	ErrNotFound = errors.New("identity not found")
	// ErrNotInitialized is returned by table operations before a successful Init.
	ErrNotInitialized = errors.New("identity table not initialized")
)

// ConsistencyError reports remote enumeration results that cannot both be
// true. Neither value is picked over the other.
type ConsistencyError struct {
	Count  int
	Listed int
	// Repeated holds ids the listing returned more than once.
	Repeated []int
	Err      error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to determine number of resources: %v", e.Err)
	}
	if len(e.Repeated) > 0 {
		return fmt.Sprintf("unable to determine number of resources: listing repeats ids %v", e.Repeated)
	}
	return fmt.Sprintf("unable to determine number of resources: count reports %d, listing enumerates %d", e.Count, e.Listed)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// LocalIOError is a failure reading or writing the local table image.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("identity table %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// PushError is a failure replicating the local table image to the remote
// host after it was committed locally.
type PushError struct {
	RemotePath string
	Err        error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("failed to push identity table to %s: %v", e.RemotePath, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }
