package identity

import (
	"errors"
	"os"
	"path/filepath"
)

// FileMode is the mode table images are written with.
const FileMode os.FileMode = 0755

const pendingSuffix = ".pending"

// LocalStore is the local table image of one connection. Each connection
// gets its own path so several connections in one process never share it.
type LocalStore struct {
	Path string
}

// NewLocalStore returns a store for the image at path.
func NewLocalStore(path string) *LocalStore {
	return &LocalStore{Path: path}
}

// DefaultLocalPath returns <user cache dir>/phypctl/<host>/<user>/uuid_table.
func DefaultLocalPath(host, user string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "phypctl", host, user, "uuid_table"), nil
}

// Exists reports whether the image file is present.
func (s *LocalStore) Exists() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}

// Prepare creates the directory the image lives in.
func (s *LocalStore) Prepare() error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return &LocalIOError{Op: "mkdir", Path: filepath.Dir(s.Path), Err: err}
	}
	return nil
}

// Write replaces the image with recs.
func (s *LocalStore) Write(recs []Record) error {
	data, err := Encode(recs)
	if err != nil {
		return &LocalIOError{Op: "encode", Path: s.Path, Err: err}
	}
	if err := s.Prepare(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FileMode)
	if err != nil {
		return &LocalIOError{Op: "write", Path: s.Path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &LocalIOError{Op: "write", Path: s.Path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &LocalIOError{Op: "close", Path: s.Path, Err: err}
	}
	return nil
}

// Read decodes the image.
func (s *LocalStore) Read() ([]Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &LocalIOError{Op: "read", Path: s.Path, Err: err}
	}
	recs, err := Decode(data)
	if err != nil {
		return nil, &LocalIOError{Op: "decode", Path: s.Path, Err: err}
	}
	return recs, nil
}

func (s *LocalStore) pendingPath() string { return s.Path + pendingSuffix }

// Pending reports whether the image holds changes not yet pushed.
func (s *LocalStore) Pending() bool {
	_, err := os.Stat(s.pendingPath())
	return err == nil
}

// MarkPending records that the image holds changes not yet pushed.
func (s *LocalStore) MarkPending() error {
	if err := os.WriteFile(s.pendingPath(), nil, 0644); err != nil {
		return &LocalIOError{Op: "mark pending", Path: s.pendingPath(), Err: err}
	}
	return nil
}

// ClearPending removes the pending marker.
func (s *LocalStore) ClearPending() error {
	if err := os.Remove(s.pendingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &LocalIOError{Op: "clear pending", Path: s.pendingPath(), Err: err}
	}
	return nil
}
