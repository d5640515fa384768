package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/logger"
)

// SCP transfers files with the scp channel protocol over a non-blocking
// transport. Every step retries on would-block through the transport's
// readiness waiter.
type SCP struct {
	Transport connector.Transport
	ChunkSize int
	Logger    *logger.Logger
}

type SCPOptions struct {
	Transport connector.Transport
	ChunkSize int
	Logger    *logger.Logger
}

func NewSCP(opts SCPOptions) (*SCP, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("NewSCP: transport cannot be nil")
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	return &SCP{Transport: opts.Transport, ChunkSize: chunk, Logger: log}, nil
}

// Push sends localPath to remotePath with the local permission bits.
func (s *SCP) Push(ctx context.Context, localPath, remotePath string) error {
	log := s.Logger.With("path", remotePath)

	info, err := os.Stat(localPath)
	if err != nil {
		return &LocalError{Op: "stat", Path: localPath, Err: err}
	}
	f, err := os.Open(localPath)
	if err != nil {
		return &LocalError{Op: "open", Path: localPath, Err: err}
	}
	defer f.Close()

	c, err := s.open(ctx, "scp -t "+shellQuote(remotePath), remotePath)
	if err != nil {
		return err
	}
	defer c.release()

	if err := c.readAck(remotePath); err != nil {
		return err
	}
	header := fmt.Sprintf("C%04o %d %s\n", info.Mode().Perm(), info.Size(), path.Base(remotePath))
	if err := c.writeAll([]byte(header)); err != nil {
		return err
	}
	if err := c.readAck(remotePath); err != nil {
		return err
	}

	buf := make([]byte, s.ChunkSize)
	var sent int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := c.writeAll(buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return &LocalError{Op: "read", Path: localPath, Err: rerr}
		}
	}
	if sent != info.Size() {
		return &LocalError{Op: "read", Path: localPath, Err: fmt.Errorf("file changed size during transfer: sent %d of %d bytes", sent, info.Size())}
	}

	if err := c.writeAll([]byte{0}); err != nil {
		return err
	}
	if err := c.readAck(remotePath); err != nil {
		return err
	}
	if err := c.finish(); err != nil {
		return err
	}
	log.Debugf("pushed %d bytes from %s", sent, localPath)
	return nil
}

// Pull fetches remotePath into localPath, creating or truncating it. A
// remote file that is missing or cannot be copied yields an error wrapping
// ErrRemoteFileAbsent.
func (s *SCP) Pull(ctx context.Context, remotePath, localPath string) error {
	log := s.Logger.With("path", remotePath)

	c, err := s.open(ctx, "scp -f "+shellQuote(remotePath), remotePath)
	if err != nil {
		return err
	}
	defer c.release()

	if err := c.writeAll([]byte{0}); err != nil {
		return err
	}
	size, err := c.readFileHeader(remotePath)
	if err != nil {
		return err
	}
	if err := c.writeAll([]byte{0}); err != nil {
		return err
	}

	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, LocalFileMode)
	if err != nil {
		return &LocalError{Op: "create", Path: localPath, Err: err}
	}
	defer f.Close()

	buf := make([]byte, s.ChunkSize)
	var got int64
	for got < size {
		want := int64(len(buf))
		if size-got < want {
			want = size - got
		}
		n, err := c.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &LocalError{Op: "write", Path: localPath, Err: werr}
			}
			got += int64(n)
		}
		if errors.Is(err, io.EOF) && got < size {
			return &connector.ProtocolError{
				Op:         "read",
				Err:        fmt.Errorf("remote closed after %d of %d bytes", got, size),
				ExitStatus: connector.ExitStatusUnavailable,
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return &LocalError{Op: "close", Path: localPath, Err: err}
	}

	if err := c.readAck(remotePath); err != nil {
		return err
	}
	if err := c.writeAll([]byte{0}); err != nil {
		return err
	}
	if err := c.finish(); err != nil {
		return err
	}
	log.Debugf("pulled %d bytes into %s", got, localPath)
	return nil
}

func (s *SCP) open(ctx context.Context, cmd, remotePath string) (*scpChannel, error) {
	ch, err := connector.Retry(ctx, s.Transport, "open channel", s.Transport.OpenChannel)
	if err != nil {
		return nil, wrapProtocol("open channel", err)
	}
	if err := connector.RetryErr(ctx, s.Transport, "exec", func() error { return ch.Exec(cmd) }); err != nil {
		_ = connector.RetryErr(ctx, s.Transport, "close channel", ch.Close)
		return nil, wrapProtocol("exec", err)
	}
	return &scpChannel{ctx: ctx, tr: s.Transport, ch: ch, path: remotePath, buf: make([]byte, s.ChunkSize)}, nil
}

func wrapProtocol(op string, err error) error {
	var pe *connector.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &connector.ProtocolError{Op: op, Err: err, ExitStatus: connector.ExitStatusUnavailable}
}

// scpChannel is a blocking, buffered view of one copy channel.
type scpChannel struct {
	ctx     context.Context
	tr      connector.Transport
	ch      connector.Channel
	path    string
	buf     []byte
	pending []byte
	closed  bool
}

// Read returns buffered bytes first, then waits for more channel output.
func (c *scpChannel) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		n, err := connector.Retry(c.ctx, c.tr, "read", func() (int, error) { return c.ch.Read(c.buf) })
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, wrapProtocol("read", err)
		}
		c.pending = c.buf[:n]
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *scpChannel) readByte() (byte, error) {
	var b [1]byte
	for {
		n, err := c.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (c *scpChannel) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.readByte()
		if err != nil {
			return sb.String(), err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

// readAck consumes one protocol acknowledgement: 0 for success, 1 or 2
// followed by a message line for an error.
func (c *scpChannel) readAck(remotePath string) error {
	b, err := c.readByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &RemoteError{Path: remotePath, Message: "connection closed by remote copy peer"}
		}
		return err
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		msg, _ := c.readLine()
		return &RemoteError{Path: remotePath, Message: strings.TrimSpace(msg)}
	default:
		line, _ := c.readLine()
		return &RemoteError{Path: remotePath, Message: fmt.Sprintf("unexpected reply %q", string(b)+line)}
	}
}

// readFileHeader reads a "C<mode> <size> <name>" record and returns size.
// Time records are acknowledged and skipped.
func (c *scpChannel) readFileHeader(remotePath string) (int64, error) {
	for {
		b, err := c.readByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: %s: copy could not be established", ErrRemoteFileAbsent, remotePath)
			}
			return 0, err
		}
		line, err := c.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		switch b {
		case 'T':
			if err := c.writeAll([]byte{0}); err != nil {
				return 0, err
			}
			continue
		case 'C':
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return 0, &RemoteError{Path: remotePath, Message: fmt.Sprintf("malformed file header %q", line)}
			}
			size, perr := strconv.ParseInt(fields[1], 10, 64)
			if perr != nil || size < 0 {
				return 0, &RemoteError{Path: remotePath, Message: fmt.Sprintf("malformed file size %q", fields[1])}
			}
			return size, nil
		case 1, 2:
			return 0, fmt.Errorf("%w: %w", ErrRemoteFileAbsent, &RemoteError{Path: remotePath, Message: strings.TrimSpace(line)})
		default:
			return 0, &RemoteError{Path: remotePath, Message: fmt.Sprintf("unexpected record %q", string(b)+line)}
		}
	}
}

// writeAll sends p, retrying partial and would-block writes.
func (c *scpChannel) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := connector.Retry(c.ctx, c.tr, "write", func() (int, error) { return c.ch.Write(p) })
		if err != nil {
			return wrapProtocol("write", err)
		}
		p = p[n:]
	}
	return nil
}

// finish signals end of transfer, waits for the remote end of stream and
// for the channel to close.
func (c *scpChannel) finish() error {
	if err := connector.RetryErr(c.ctx, c.tr, "send eof", c.ch.SendEOF); err != nil {
		return wrapProtocol("send eof", err)
	}
	if _, err := io.Copy(io.Discard, c); err != nil {
		return err
	}
	c.closed = true
	if err := connector.RetryErr(c.ctx, c.tr, "close channel", c.ch.Close); err != nil {
		return wrapProtocol("close channel", err)
	}
	if status := c.ch.ExitStatus(); status > 0 {
		return &RemoteError{Path: c.path, Message: fmt.Sprintf("scp exited with status %d", status)}
	}
	return nil
}

// release closes the channel if finish did not run.
func (c *scpChannel) release() {
	if !c.closed {
		c.closed = true
		_ = connector.RetryErr(c.ctx, c.tr, "close channel", c.ch.Close)
	}
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	var b bytes.Buffer
	b.WriteByte('\'')
	b.WriteString(strings.ReplaceAll(s, "'", `'\''`))
	b.WriteByte('\'')
	return b.String()
}
