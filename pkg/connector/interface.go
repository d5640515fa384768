package connector

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

// Direction is a bit set of the directions a transport is blocked on.
type Direction uint8

const (
	BlockInbound Direction = 1 << iota
	BlockOutbound
)

func (d Direction) String() string {
	switch d {
	case 0:
		return "none"
	case BlockInbound:
		return "inbound"
	case BlockOutbound:
		return "outbound"
	default:
		return "inbound|outbound"
	}
}

// Waiter blocks until the transport may be able to make progress.
// A nil return means "retry now"; ErrInterrupted means the same. Any other
// error is a definitive wait failure.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Transport is the non-blocking view of one authenticated session. Every
// method may return ErrWouldBlock; callers wait on the transport and retry.
type Transport interface {
	Waiter
	// OpenChannel opens a new command channel.
	OpenChannel() (Channel, error)
	// BlockDirections reports which directions pending operations wait on.
	BlockDirections() Direction
}

// Channel is one logical stream opened on a Transport.
//
// Read returns (n>0, nil) when output is available, (0, ErrWouldBlock) when
// none is available yet and (0, io.EOF) once the remote end finished
// sending. Write may accept fewer bytes than offered. Close completes only
// after the remote end closed the channel too; ExitStatus is meaningful
// after a successful Close.
type Channel interface {
	Exec(cmd string) error
	Read(p []byte) (int, error)
	ReadStderr(p []byte) (int, error)
	Write(p []byte) (int, error)
	SendEOF() error
	Close() error
	ExitStatus() int
}

// Credentials supplies interactive credentials on demand.
type Credentials interface {
	Username(host string) (string, error)
	Password(user, host string) (string, error)
}

// CredentialFuncs adapts plain functions to Credentials.
type CredentialFuncs struct {
	UsernameFunc func(host string) (string, error)
	PasswordFunc func(user, host string) (string, error)
}

func (c CredentialFuncs) Username(host string) (string, error) {
	if c.UsernameFunc == nil {
		return "", ErrNoCredentials
	}
	return c.UsernameFunc(host)
}

func (c CredentialFuncs) Password(user, host string) (string, error) {
	if c.PasswordFunc == nil {
		return "", ErrNoCredentials
	}
	return c.PasswordFunc(user, host)
}

// ConnectionCfg holds all parameters needed to establish a session.
type ConnectionCfg struct {
	Host string
	Port int
	// User may be empty, in which case Credentials are asked for it.
	User string
	// PublicKeyPath and PrivateKeyPath name the key pair tried before
	// password authentication. Empty means ~/.ssh/id_rsa(.pub).
	PublicKeyPath   string
	PrivateKeyPath  string
	KnownHostsPath  string
	HostKeyCallback ssh.HostKeyCallback `json:"-" yaml:"-"`
	// Timeout bounds connect and handshake only.
	Timeout time.Duration
}
