package connector

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// NoExitStatus makes the mock server close a channel without an exit-status.
const NoExitStatus = -1

// ExecHandlerFunc serves one exec request on the mock server and returns the
// exit status to report, or NoExitStatus.
type ExecHandlerFunc func(command string, ch ssh.Channel) int

// MockServer is an in-process SSH server for tests. It accepts password and
// public-key authentication, exec requests and the sftp subsystem.
type MockServer struct {
	listener    net.Listener
	config      *ssh.ServerConfig
	ExecHandler ExecHandlerFunc

	User          string
	Password      string
	AuthorizedKey ssh.PublicKey

	mu       sync.Mutex
	commands []string
	authLog  []string

	serverDone chan struct{}
	wg         sync.WaitGroup
}

func NewMockServer(t *testing.T, execHandler ExecHandlerFunc) (server *MockServer, host string, port int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewMockServer: Failed to listen: %v", err)
	}

	hostKey, err := generateTestKey()
	if err != nil {
		listener.Close()
		t.Fatalf("NewMockServer: Failed to generate key: %v", err)
	}

	ms := &MockServer{
		listener:    listener,
		ExecHandler: execHandler,
		User:        "hscroot",
		Password:    "abc123",
		serverDone:  make(chan struct{}),
	}
	ms.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			ms.recordAuth("password")
			if c.User() == ms.User && string(pass) == ms.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			ms.recordAuth("publickey")
			if ms.AuthorizedKey != nil && c.User() == ms.User &&
				bytes.Equal(key.Marshal(), ms.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("public key rejected for %q", c.User())
		},
	}
	ms.config.AddHostKey(hostKey)

	ms.wg.Add(1)
	go ms.acceptLoop()

	t.Cleanup(func() {
		ms.listener.Close()
		<-ms.serverDone
		ms.wg.Wait()
	})

	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ = strconv.Atoi(portStr)
	return ms, "127.0.0.1", port
}

// Commands returns the exec commands received so far.
func (ms *MockServer) Commands() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.commands...)
}

// AuthAttempts returns the authentication methods tried by clients, in order.
func (ms *MockServer) AuthAttempts() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.authLog...)
}

func (ms *MockServer) recordAuth(method string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.authLog = append(ms.authLog, method)
}

func (ms *MockServer) acceptLoop() {
	defer ms.wg.Done()
	defer close(ms.serverDone)
	for {
		conn, err := ms.listener.Accept()
		if err != nil {
			return
		}
		ms.wg.Add(1)
		go ms.handleConnection(conn)
	}
}

func (ms *MockServer) handleConnection(c net.Conn) {
	defer ms.wg.Done()
	defer c.Close()
	sconn, chans, globalReqs, err := ssh.NewServerConn(c, ms.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ms.handleGlobalRequests(globalReqs)

	var chanWg sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		chanWg.Add(1)
		go func() {
			defer chanWg.Done()
			ms.handleSession(channel, requests)
		}()
	}
	chanWg.Wait()
}

func (ms *MockServer) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

func (ms *MockServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			ms.mu.Lock()
			ms.commands = append(ms.commands, payload.Command)
			ms.mu.Unlock()
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)

			status := 0
			if ms.ExecHandler != nil {
				status = ms.ExecHandler(payload.Command, ch)
			}
			_ = ch.CloseWrite()
			if status != NoExitStatus {
				msg := struct{ Status uint32 }{uint32(status)}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&msg))
			}
			return
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func generateTestKey() (ssh.Signer, error) {
	privateRSAKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(privateRSAKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer from RSA private key: %w", err)
	}
	return signer, nil
}

// WriteTestKeyPair writes an RSA key pair as id_rsa and id_rsa.pub under dir
// and returns the public key with both paths.
func WriteTestKeyPair(t *testing.T, dir string) (pub ssh.PublicKey, pubPath, privPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("WriteTestKeyPair: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("WriteTestKeyPair: %v", err)
	}
	privPath = filepath.Join(dir, "id_rsa")
	pubPath = privPath + ".pub"
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		t.Fatalf("WriteTestKeyPair: %v", err)
	}
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644); err != nil {
		t.Fatalf("WriteTestKeyPair: %v", err)
	}
	return signer.PublicKey(), pubPath, privPath
}

// FakeTransport is a scripted Transport. Every primitive of the transport and
// its channels reports ErrWouldBlock Stalls times before doing its work.
type FakeTransport struct {
	mu       sync.Mutex
	Channels []*FakeChannel
	OpenErr  error
	Stalls   int
	// WaitErr is returned by Wait once Waits exceeds WaitFailAfter.
	WaitErr       error
	WaitFailAfter int
	Waits         int

	opened int
	left   map[string]int
}

func (f *FakeTransport) stall(op string) bool {
	if f.Stalls == 0 {
		return false
	}
	if f.left == nil {
		f.left = make(map[string]int)
	}
	left, ok := f.left[op]
	if !ok {
		left = f.Stalls
	}
	if left > 0 {
		f.left[op] = left - 1
		return true
	}
	delete(f.left, op)
	return false
}

func (f *FakeTransport) Wait(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Waits++
	if f.WaitErr != nil && f.Waits > f.WaitFailAfter {
		return f.WaitErr
	}
	return ctx.Err()
}

func (f *FakeTransport) OpenChannel() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stall("open") {
		return nil, ErrWouldBlock
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	if f.opened >= len(f.Channels) {
		return nil, errors.New("no scripted channel left")
	}
	ch := f.Channels[f.opened]
	ch.t = f
	f.opened++
	return ch, nil
}

func (f *FakeTransport) BlockDirections() Direction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.left) > 0 {
		return BlockInbound
	}
	return 0
}

// Opened returns how many channels were handed out.
func (f *FakeTransport) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// FakeChannel replays scripted output and records everything written to it.
type FakeChannel struct {
	t *FakeTransport

	Stdout []byte
	Stderr []byte
	Status int
	// MaxWrite caps the bytes accepted per Write; 0 means unlimited.
	MaxWrite int

	ExecErr  error
	ReadErr  error
	WriteErr error
	CloseErr error

	Cmd     string
	Written bytes.Buffer
	EOFSent bool
	Closed  bool
}

func (c *FakeChannel) locked(op string, fn func() error) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.stall(op) {
		return ErrWouldBlock
	}
	return fn()
}

func (c *FakeChannel) Exec(cmd string) error {
	return c.locked("exec", func() error {
		c.Cmd = cmd
		return c.ExecErr
	})
}

func (c *FakeChannel) readFrom(src *[]byte, op string, p []byte) (int, error) {
	var n int
	err := c.locked(op, func() error {
		if len(*src) == 0 {
			if c.ReadErr != nil {
				return c.ReadErr
			}
			return io.EOF
		}
		n = copy(p, *src)
		*src = (*src)[n:]
		return nil
	})
	return n, err
}

func (c *FakeChannel) Read(p []byte) (int, error) {
	return c.readFrom(&c.Stdout, "read", p)
}

func (c *FakeChannel) ReadStderr(p []byte) (int, error) {
	return c.readFrom(&c.Stderr, "read-stderr", p)
}

func (c *FakeChannel) Write(p []byte) (int, error) {
	var n int
	err := c.locked("write", func() error {
		if c.WriteErr != nil {
			return c.WriteErr
		}
		n = len(p)
		if c.MaxWrite > 0 && n > c.MaxWrite {
			n = c.MaxWrite
		}
		c.Written.Write(p[:n])
		return nil
	})
	return n, err
}

func (c *FakeChannel) SendEOF() error {
	return c.locked("eof", func() error {
		c.EOFSent = true
		return nil
	})
}

func (c *FakeChannel) Close() error {
	return c.locked("close", func() error {
		if c.CloseErr != nil {
			return c.CloseErr
		}
		c.Closed = true
		return nil
	})
}

func (c *FakeChannel) ExitStatus() int {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if !c.Closed {
		return ExitStatusUnavailable
	}
	return c.Status
}
