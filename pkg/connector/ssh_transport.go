package connector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

const maxWriteChunk = 32 * 1024

// asyncCall turns one blocking call into a pollable operation: the first
// poll starts fn in the background and every poll reports ErrWouldBlock
// until fn has returned.
type asyncCall[T any] struct {
	mu      sync.Mutex
	started bool
	done    bool
	val     T
	err     error
}

func (c *asyncCall[T]) poll(t *sshTransport, dir Direction, fn func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.val, c.err
	}
	if !c.started {
		c.started = true
		t.block(dir)
		go func() {
			v, err := fn()
			c.mu.Lock()
			c.val, c.err, c.done = v, err, true
			c.mu.Unlock()
			t.unblock(dir)
			t.notify()
		}()
	}
	var zero T
	return zero, ErrWouldBlock
}

// sshTransport exposes an x/crypto/ssh client through the non-blocking
// Transport contract. Blocking calls run on helper goroutines; their
// completion, and every arrival of channel data, posts a readiness event
// that Wait consumes.
type sshTransport struct {
	conn ssh.Conn

	ready chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	inbound  int
	outbound int
	opening  *asyncCall[*sshChannel]
}

func newSSHTransport(conn ssh.Conn) *sshTransport {
	t := &sshTransport{
		conn:  conn,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go func() {
		_ = conn.Wait()
		close(t.done)
	}()
	return t
}

func (t *sshTransport) notify() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *sshTransport) block(d Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d&BlockInbound != 0 {
		t.inbound++
	}
	if d&BlockOutbound != 0 {
		t.outbound++
	}
}

func (t *sshTransport) unblock(d Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d&BlockInbound != 0 && t.inbound > 0 {
		t.inbound--
	}
	if d&BlockOutbound != 0 && t.outbound > 0 {
		t.outbound--
	}
}

func (t *sshTransport) BlockDirections() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var d Direction
	if t.inbound > 0 {
		d |= BlockInbound
	}
	if t.outbound > 0 {
		d |= BlockOutbound
	}
	return d
}

// Wait blocks until a readiness event is posted, the connection ends or
// ctx is done. It has no timeout of its own.
func (t *sshTransport) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		select {
		case <-t.ready:
			return nil
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *sshTransport) OpenChannel() (Channel, error) {
	t.mu.Lock()
	if t.opening == nil {
		t.opening = &asyncCall[*sshChannel]{}
	}
	op := t.opening
	t.mu.Unlock()

	ch, err := op.poll(t, BlockInbound, func() (*sshChannel, error) {
		c, reqs, err := t.conn.OpenChannel("session", nil)
		if err != nil {
			return nil, err
		}
		return newSSHChannel(t, c, reqs), nil
	})
	if errors.Is(err, ErrWouldBlock) {
		return nil, err
	}
	t.mu.Lock()
	t.opening = nil
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type sshChannel struct {
	t  *sshTransport
	ch ssh.Channel

	mu          sync.Mutex
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	stdoutEOF   bool
	stderrEOF   bool
	readErr     error
	readBlocked bool
	exitStatus  int
	gotStatus   bool
	writeOp     *asyncCall[int]

	execOp  asyncCall[struct{}]
	eofOp   asyncCall[struct{}]
	closeOp asyncCall[struct{}]

	reqsDone chan struct{}
	pumps    errgroup.Group
}

func newSSHChannel(t *sshTransport, ch ssh.Channel, reqs <-chan *ssh.Request) *sshChannel {
	c := &sshChannel{t: t, ch: ch, reqsDone: make(chan struct{})}
	go c.handleRequests(reqs)
	c.pumps.Go(func() error { return c.pump(ch, &c.stdout, &c.stdoutEOF) })
	c.pumps.Go(func() error { return c.pump(ch.Stderr(), &c.stderr, &c.stderrEOF) })
	return c
}

func (c *sshChannel) handleRequests(reqs <-chan *ssh.Request) {
	defer close(c.reqsDone)
	for req := range reqs {
		if req.Type == "exit-status" {
			var msg struct{ Status uint32 }
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				c.mu.Lock()
				c.exitStatus = int(msg.Status)
				c.gotStatus = true
				c.mu.Unlock()
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (c *sshChannel) pump(r io.Reader, buf *bytes.Buffer, eof *bool) error {
	p := make([]byte, maxWriteChunk)
	for {
		n, err := r.Read(p)
		c.mu.Lock()
		if n > 0 {
			buf.Write(p[:n])
		}
		if err != nil {
			*eof = true
			if !errors.Is(err, io.EOF) && c.readErr == nil {
				c.readErr = err
			}
		}
		if c.readBlocked {
			c.readBlocked = false
			c.t.unblock(BlockInbound)
		}
		c.mu.Unlock()
		c.t.notify()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *sshChannel) read(buf *bytes.Buffer, eof *bool, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.Len() > 0 {
		return buf.Read(p)
	}
	if *eof {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	if !c.readBlocked {
		c.readBlocked = true
		c.t.block(BlockInbound)
	}
	return 0, ErrWouldBlock
}

func (c *sshChannel) Read(p []byte) (int, error) {
	return c.read(&c.stdout, &c.stdoutEOF, p)
}

func (c *sshChannel) ReadStderr(p []byte) (int, error) {
	return c.read(&c.stderr, &c.stderrEOF, p)
}

func (c *sshChannel) Exec(cmd string) error {
	_, err := c.execOp.poll(c.t, BlockInbound, func() (struct{}, error) {
		ok, err := c.ch.SendRequest("exec", true, ssh.Marshal(&struct{ Command string }{cmd}))
		if err == nil && !ok {
			err = errors.New("exec request rejected by remote")
		}
		return struct{}{}, err
	})
	return err
}

// Write hands at most maxWriteChunk bytes of p to a background writer and
// reports ErrWouldBlock until they are on the wire. The caller must retry
// with the same leading bytes, as with any partial-write transport.
func (c *sshChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	op := c.writeOp
	if op == nil {
		chunk := append([]byte(nil), p[:min(len(p), maxWriteChunk)]...)
		op = &asyncCall[int]{}
		c.writeOp = op
		c.mu.Unlock()
		return op.poll(c.t, BlockOutbound, func() (int, error) { return c.ch.Write(chunk) })
	}
	c.mu.Unlock()

	n, err := op.poll(c.t, BlockOutbound, nil)
	if errors.Is(err, ErrWouldBlock) {
		return 0, err
	}
	c.mu.Lock()
	c.writeOp = nil
	c.mu.Unlock()
	return n, err
}

// SendEOF half-closes the channel. A channel the remote already closed
// counts as done.
func (c *sshChannel) SendEOF() error {
	_, err := c.eofOp.poll(c.t, BlockOutbound, func() (struct{}, error) {
		if err := c.ch.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// Close sends a channel close and completes once the remote side has
// closed too and both output streams are drained into the buffers.
func (c *sshChannel) Close() error {
	_, err := c.closeOp.poll(c.t, BlockInbound, func() (struct{}, error) {
		if err := c.ch.Close(); err != nil && !errors.Is(err, io.EOF) {
			return struct{}{}, err
		}
		<-c.reqsDone
		_ = c.pumps.Wait()
		return struct{}{}, nil
	})
	return err
}

func (c *sshChannel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gotStatus {
		return ExitStatusUnavailable
	}
	return c.exitStatus
}
