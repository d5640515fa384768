// Package phyp ties the connection pieces together: it opens the session,
// probes the console, wires the executor, the file transfer and the
// identity table, and tears them down again.
package phyp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/executor"
	"github.com/mensylisir/phypctl/pkg/hmc"
	"github.com/mensylisir/phypctl/pkg/identity"
	"github.com/mensylisir/phypctl/pkg/logger"
	"github.com/mensylisir/phypctl/pkg/transfer"
)

const (
	ProtocolSCP  = "scp"
	ProtocolSFTP = "sftp"
)

// Options describes one console connection.
type Options struct {
	Host          string
	Port          int
	User          string
	ManagedSystem string

	PrivateKeyPath string
	PublicKeyPath  string
	KnownHostsPath string
	// InsecureIgnoreHostKey skips host key checks without a warning.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration

	Credentials connector.Credentials

	// LocalTablePath defaults to identity.DefaultLocalPath(host, user).
	LocalTablePath string
	// RemoteTablePath defaults to hmc.RemoteTablePath(user).
	RemoteTablePath   string
	Protocol          string
	ChunkSize         int
	CompactTombstones bool
	NewUUID           func() (uuid.UUID, error)

	Logger *logger.Logger
}

// OptionsFromURI fills the connection fields of Options from a phyp URI.
func OptionsFromURI(raw string) (Options, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return Options{}, err
	}
	return Options{Host: u.Host, Port: u.Port, User: u.User, ManagedSystem: u.ManagedSystem}, nil
}

// Conn is an open console connection with an initialized identity table.
type Conn struct {
	session  *connector.Session
	exec     *executor.Executor
	xfer     transfer.Transferer
	identity *identity.Synchronizer
	console  *hmc.Console
	viosID   int
	log      *logger.Logger
}

// Connect opens the session, probes the console type, initializes the
// identity table and, on an HMC, looks up the VIOS partition. Any failure
// closes what was opened.
func Connect(ctx context.Context, opts Options) (_ *Conn, err error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With("host", opts.Host)

	if err := hmc.ValidateManagedSystem(opts.ManagedSystem); err != nil {
		return nil, err
	}

	cfg := connector.ConnectionCfg{
		Host:           opts.Host,
		Port:           opts.Port,
		User:           opts.User,
		PublicKeyPath:  opts.PublicKeyPath,
		PrivateKeyPath: opts.PrivateKeyPath,
		KnownHostsPath: opts.KnownHostsPath,
		Timeout:        opts.Timeout,
	}
	if opts.InsecureIgnoreHostKey {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	session, err := connector.Open(ctx, cfg, opts.Credentials)
	if err != nil {
		return nil, err
	}
	conn := &Conn{session: session, viosID: -1, log: log}
	defer func() {
		if err != nil {
			_ = conn.close()
		}
	}()

	conn.exec, err = executor.NewExecutor(executor.ExecutorOptions{Transport: session.Transport(), Logger: log})
	if err != nil {
		return nil, err
	}

	system, err := hmc.ProbeSystemType(ctx, conn.exec)
	if err != nil {
		return nil, err
	}
	log.Debugf("console is an %s", system)
	conn.console, err = hmc.NewConsole(conn.exec, system, opts.ManagedSystem)
	if err != nil {
		return nil, err
	}

	xfer, err := newTransferer(session, opts, log)
	if err != nil {
		return nil, err
	}
	conn.xfer = xfer

	localPath := opts.LocalTablePath
	if localPath == "" {
		if localPath, err = identity.DefaultLocalPath(session.Host(), session.User()); err != nil {
			return nil, errors.Wrap(err, "failed to resolve local identity table path")
		}
	}
	remotePath := opts.RemoteTablePath
	if remotePath == "" {
		remotePath = hmc.RemoteTablePath(session.User())
	}
	conn.identity, err = identity.NewSynchronizer(identity.SynchronizerOptions{
		Enumerator:        conn.console,
		Transfer:          conn.xfer,
		Store:             identity.NewLocalStore(localPath),
		RemotePath:        remotePath,
		NewUUID:           opts.NewUUID,
		CompactTombstones: opts.CompactTombstones,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.identity.Init(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize identity table")
	}
	if system == hmc.HMC {
		if conn.viosID, err = conn.console.VIOSPartitionID(ctx); err != nil {
			return nil, err
		}
	}
	log.Infof("connected to %s as %s", system, session.User())
	return conn, nil
}

func newTransferer(session *connector.Session, opts Options, log *logger.Logger) (transfer.Transferer, error) {
	switch opts.Protocol {
	case "", ProtocolSCP:
		scp, err := transfer.NewSCP(transfer.SCPOptions{
			Transport: session.Transport(),
			ChunkSize: opts.ChunkSize,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return scp, nil
	case ProtocolSFTP:
		client, err := transfer.NewSFTP(session.Client(), log)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported transfer protocol %q", opts.Protocol)
	}
}

// Executor runs commands on the console.
func (c *Conn) Executor() *executor.Executor { return c.exec }

// Identity is the connection's identity table.
func (c *Conn) Identity() *identity.Synchronizer { return c.identity }

// Console issues partition queries for the managed system.
func (c *Conn) Console() *hmc.Console { return c.console }

// SystemType is the probed console type.
func (c *Conn) SystemType() hmc.SystemType { return c.console.System }

// VIOSPartitionID is the Virtual I/O Server partition id on an HMC, -1 on
// an IVM.
func (c *Conn) VIOSPartitionID() int { return c.viosID }

func (c *Conn) Host() string { return c.session.Host() }

func (c *Conn) User() string { return c.session.User() }

// IsAlive reports whether the session still answers.
func (c *Conn) IsAlive() bool { return c.session.IsAlive() }

// IsEncrypted is always true: the only transport is SSH.
func (c *Conn) IsEncrypted() bool { return true }

// IsSecure is always true: the only transport is SSH.
func (c *Conn) IsSecure() bool { return true }

// Close drops the identity table and closes the session.
func (c *Conn) Close() error {
	err := c.close()
	c.log.Debugf("connection closed")
	return err
}

func (c *Conn) close() error {
	if c.identity != nil {
		c.identity.Teardown()
	}
	if closer, ok := c.xfer.(io.Closer); ok {
		_ = closer.Close()
	}
	return c.session.Close()
}
