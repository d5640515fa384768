package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/mensylisir/phypctl/pkg/logger"
)

// SFTP transfers files through the sftp subsystem. Consoles that restrict
// the shell still tend to allow it.
type SFTP struct {
	client *sftp.Client
	Logger *logger.Logger
}

func NewSFTP(conn *ssh.Client, log *logger.Logger) (*SFTP, error) {
	if conn == nil {
		return nil, fmt.Errorf("NewSFTP: ssh client cannot be nil")
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	if log == nil {
		log = logger.Get()
	}
	return &SFTP{client: client, Logger: log}, nil
}

func (s *SFTP) Push(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return &LocalError{Op: "stat", Path: localPath, Err: err}
	}
	src, err := os.Open(localPath)
	if err != nil {
		return &LocalError{Op: "open", Path: localPath, Err: err}
	}
	defer src.Close()

	dst, err := s.client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
	}
	if err := s.client.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set mode of remote file %s: %w", remotePath, err)
	}
	s.Logger.With("path", remotePath).Debugf("pushed %d bytes from %s over sftp", n, localPath)
	return nil
}

func (s *SFTP) Pull(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteFileAbsent, remotePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, LocalFileMode)
	if err != nil {
		return &LocalError{Op: "create", Path: localPath, Err: err}
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("failed to read remote file %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return &LocalError{Op: "close", Path: localPath, Err: err}
	}
	s.Logger.With("path", remotePath).Debugf("pulled %d bytes into %s over sftp", n, localPath)
	return nil
}

// Close ends the sftp subsystem; the session stays open.
func (s *SFTP) Close() error {
	return s.client.Close()
}
