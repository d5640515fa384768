package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mensylisir/phypctl/pkg/executor"
	"github.com/mensylisir/phypctl/pkg/logger"
	"github.com/mensylisir/phypctl/pkg/transfer"
)

// Enumerator reports the remote resources by two independent queries.
type Enumerator interface {
	CountResources(ctx context.Context) (int, error)
	ListResources(ctx context.Context) ([]int, error)
}

// SyncState is the outcome of a table mutation.
type SyncState int

const (
	// Failed means nothing was committed; the table is unchanged.
	Failed SyncState = iota
	// LocalOnly means the change is in memory and in the local image but was
	// not pushed. The next Init pushes the local image before anything else.
	LocalOnly
	// Synced means the change reached the remote image.
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Synced:
		return "synced"
	case LocalOnly:
		return "local-only"
	default:
		return "failed"
	}
}

// Synchronizer maintains the identity table of one connection: it
// bootstraps the table on Init and re-persists and pushes it after every
// change. It is not safe for concurrent use.
type Synchronizer struct {
	enum       Enumerator
	xfer       transfer.Transferer
	store      *LocalStore
	remotePath string
	newUUID    func() (uuid.UUID, error)
	compact    bool
	log        *logger.Logger

	table *Table
}

type SynchronizerOptions struct {
	Enumerator Enumerator
	Transfer   transfer.Transferer
	Store      *LocalStore
	RemotePath string
	// NewUUID defaults to uuid.NewRandom.
	NewUUID func() (uuid.UUID, error)
	// CompactTombstones drops removed records from the image instead of
	// keeping them as dead entries.
	CompactTombstones bool
	Logger            *logger.Logger
}

func NewSynchronizer(opts SynchronizerOptions) (*Synchronizer, error) {
	if opts.Enumerator == nil {
		return nil, fmt.Errorf("NewSynchronizer: enumerator cannot be nil")
	}
	if opts.Transfer == nil {
		return nil, fmt.Errorf("NewSynchronizer: transfer cannot be nil")
	}
	if opts.Store == nil || opts.Store.Path == "" {
		return nil, fmt.Errorf("NewSynchronizer: local store path cannot be empty")
	}
	if opts.RemotePath == "" {
		return nil, fmt.Errorf("NewSynchronizer: remote path cannot be empty")
	}
	gen := opts.NewUUID
	if gen == nil {
		gen = uuid.NewRandom
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	return &Synchronizer{
		enum:       opts.Enumerator,
		xfer:       opts.Transfer,
		store:      opts.Store,
		remotePath: opts.RemotePath,
		newUUID:    gen,
		compact:    opts.CompactTombstones,
		log:        log.With("path", opts.RemotePath),
	}, nil
}

// Initialized reports whether Init succeeded since the last Teardown.
func (s *Synchronizer) Initialized() bool { return s.table != nil }

// Records returns a copy of the table's records.
func (s *Synchronizer) Records() ([]Record, error) {
	if s.table == nil {
		return nil, ErrNotInitialized
	}
	return s.table.Records(), nil
}

// Init builds the table. The remote resources are counted and listed; the
// two answers must agree. With no resources the table starts empty and
// remote storage is not touched. Otherwise the remote image is pulled and
// loaded as is, or, when it cannot be pulled, a fresh unique id is generated
// for every listed resource and the new table is written and pushed.
//
// A local image left pending by an earlier failed push takes precedence: it
// is pushed and loaded instead.
func (s *Synchronizer) Init(ctx context.Context) error {
	s.table = nil

	count, err := s.enum.CountResources(ctx)
	if err != nil {
		return enumerationError(err)
	}
	ids, err := s.enum.ListResources(ctx)
	if err != nil {
		return enumerationError(err)
	}
	if repeated := repeatedIDs(ids); count != len(ids) || len(repeated) > 0 {
		return &ConsistencyError{Count: count, Listed: len(ids), Repeated: repeated}
	}

	if s.store.Pending() && s.store.Exists() {
		return s.restorePending(ctx)
	}

	if count == 0 {
		s.log.Debugf("no remote resources, starting with an empty identity table")
		s.table = NewTable(nil)
		return nil
	}

	if err := s.store.Prepare(); err != nil {
		return err
	}
	pullErr := s.xfer.Pull(ctx, s.remotePath, s.store.Path)
	if pullErr == nil {
		recs, err := s.store.Read()
		if err != nil {
			return err
		}
		s.table = NewTable(recs)
		s.log.Infof("loaded identity table with %d records", len(recs))
		return nil
	}
	if errors.Is(pullErr, transfer.ErrRemoteFileAbsent) {
		s.log.Infof("no remote identity table, creating one for %d resources", len(ids))
	} else {
		s.log.Warnf("unable to pull remote identity table, creating a new one: %v", pullErr)
	}
	return s.bootstrap(ctx, ids)
}

func enumerationError(err error) error {
	var pe *executor.ParseError
	if errors.As(err, &pe) {
		return &ConsistencyError{Err: err}
	}
	return fmt.Errorf("failed to enumerate remote resources: %w", err)
}

// repeatedIDs returns the ids that occur more than once, in first-repeat
// order.
func repeatedIDs(ids []int) []int {
	seen := make(map[int]int, len(ids))
	var repeated []int
	for _, id := range ids {
		seen[id]++
		if seen[id] == 2 {
			repeated = append(repeated, id)
		}
	}
	return repeated
}

func (s *Synchronizer) bootstrap(ctx context.Context, ids []int) error {
	table := NewTable(nil)
	for _, id := range ids {
		u, err := s.newUUID()
		if err != nil {
			s.log.Warnf("unable to generate unique id for resource %d: %v", id, err)
			u = uuid.Nil
		}
		table.Append(id, u)
	}
	if err := s.store.Write(table.records); err != nil {
		return err
	}
	if err := s.xfer.Push(ctx, s.store.Path, s.remotePath); err != nil {
		if merr := s.store.MarkPending(); merr != nil {
			s.log.Errorf("%v", merr)
		}
		return &PushError{RemotePath: s.remotePath, Err: err}
	}
	s.table = table
	s.log.Successf("created identity table with %d records", table.Len())
	return nil
}

func (s *Synchronizer) restorePending(ctx context.Context) error {
	recs, err := s.store.Read()
	if err != nil {
		return err
	}
	s.log.Warnf("local identity table has unpushed changes, pushing it before use")
	if err := s.xfer.Push(ctx, s.store.Path, s.remotePath); err != nil {
		return &PushError{RemotePath: s.remotePath, Err: err}
	}
	if err := s.store.ClearPending(); err != nil {
		return err
	}
	s.table = NewTable(recs)
	s.log.Successf("pushed pending identity table with %d records", len(recs))
	return nil
}

// Lookup returns the unique id of the live record for numeric id.
func (s *Synchronizer) Lookup(id int) (uuid.UUID, error) {
	if s.table == nil {
		return uuid.Nil, ErrNotInitialized
	}
	u, ok := s.table.Lookup(id)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: resource %d", ErrNotFound, id)
	}
	return u, nil
}

// Add records u as the unique id of numeric id, then persists and pushes
// the table.
func (s *Synchronizer) Add(ctx context.Context, u uuid.UUID, id int) (SyncState, error) {
	return s.mutate(ctx, func(t *Table) { t.Append(id, u) })
}

// Remove marks every record of numeric id dead, then persists and pushes
// the table.
func (s *Synchronizer) Remove(ctx context.Context, id int) (SyncState, error) {
	return s.mutate(ctx, func(t *Table) {
		if t.MarkDead(id) == 0 {
			s.log.Debugf("no live record for resource %d", id)
		}
	})
}

// mutate applies fn and commits the result. A failed local write restores
// the previous records; a failed push leaves the change committed locally
// and marks the image pending.
func (s *Synchronizer) mutate(ctx context.Context, fn func(*Table)) (SyncState, error) {
	if s.table == nil {
		return Failed, ErrNotInitialized
	}
	prev := s.table.Records()
	fn(s.table)
	if s.compact {
		s.table.Compact()
	}
	if err := s.store.Write(s.table.records); err != nil {
		s.table.records = prev
		return Failed, err
	}
	if err := s.xfer.Push(ctx, s.store.Path, s.remotePath); err != nil {
		if merr := s.store.MarkPending(); merr != nil {
			s.log.Errorf("%v", merr)
		}
		s.log.Warnf("identity table committed locally but not pushed: %v", err)
		return LocalOnly, &PushError{RemotePath: s.remotePath, Err: err}
	}
	if err := s.store.ClearPending(); err != nil {
		s.log.Warnf("%v", err)
	}
	return Synced, nil
}

// Teardown drops the in-memory table. It never touches local or remote
// storage.
func (s *Synchronizer) Teardown() {
	s.table = nil
}
