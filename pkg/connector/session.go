package connector

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mensylisir/phypctl/pkg/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort    = 22
	defaultTimeout = 30 * time.Second
)

// lookupHost and dialContext are swapped out in tests.
var (
	lookupHost  = net.DefaultResolver.LookupHost
	dialContext = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
)

// Session is one authenticated connection to a management console. It is
// owned by a single connection handle and never shared or pooled.
type Session struct {
	client    *ssh.Client
	transport *sshTransport
	host      string
	user      string

	closeOnce sync.Once
	closeErr  error
}

// Open resolves cfg.Host, connects to the first address that accepts a TCP
// connection, then handshakes and authenticates. Public-key authentication
// with the configured key pair is tried first; password authentication via
// creds follows when no usable key pair exists or the server rejects it.
// Authentication failures are not retried.
func Open(ctx context.Context, cfg ConnectionCfg, creds Credentials) (*Session, error) {
	log := logger.Get().With("host", cfg.Host)

	if cfg.Host == "" {
		return nil, &TransportError{Host: cfg.Host, Err: fmt.Errorf("host is required")}
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	user := cfg.User
	if user == "" {
		if creds == nil {
			return nil, &TransportError{Host: cfg.Host, Err: ErrNoCredentials}
		}
		u, err := creds.Username(cfg.Host)
		if err != nil {
			return nil, &TransportError{Host: cfg.Host, Err: fmt.Errorf("username request failed: %w", err)}
		}
		if u == "" {
			return nil, &TransportError{Host: cfg.Host, Err: fmt.Errorf("empty username")}
		}
		user = u
	}

	auth, err := buildAuthMethods(cfg, user, creds)
	if err != nil {
		return nil, &TransportError{Host: cfg.Host, Err: err}
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, &TransportError{Host: cfg.Host, Err: err}
	}

	conn, addr, err := dialAny(ctx, cfg.Host, port, timeout)
	if err != nil {
		return nil, &TransportError{Host: cfg.Host, Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Host: cfg.Host, Err: fmt.Errorf("handshake failed: %w", err)}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	log.Debugf("session established to %s as %s", addr, user)
	return &Session{
		client:    client,
		transport: newSSHTransport(client),
		host:      cfg.Host,
		user:      user,
	}, nil
}

func dialAny(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, string, error) {
	addrs, err := lookupHost(ctx, host)
	if err != nil {
		return nil, "", fmt.Errorf("unable to resolve host: %w", err)
	}
	var lastErr error
	for _, a := range addrs {
		addr := net.JoinHostPort(a, strconv.Itoa(port))
		conn, err := dialContext(ctx, addr, timeout)
		if err == nil {
			return conn, addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, "", fmt.Errorf("failed to connect to any address: %w", lastErr)
}

// buildAuthMethods returns public-key auth when both halves of the key pair
// are present and parse, followed by password auth when creds is set.
func buildAuthMethods(cfg ConnectionCfg, user string, creds Credentials) ([]ssh.AuthMethod, error) {
	log := logger.Get()
	var methods []ssh.AuthMethod

	pubPath, privPath := keyPairPaths(cfg)
	if signer, err := loadKeyPair(pubPath, privPath); err == nil {
		methods = append(methods, ssh.PublicKeys(signer))
	} else {
		log.Debugf("public key authentication unavailable: %v", err)
	}

	if creds != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return creds.Password(user, cfg.Host)
		}))
	}

	if len(methods) == 0 {
		return nil, ErrNoCredentials
	}
	return methods, nil
}

func keyPairPaths(cfg ConnectionCfg) (string, string) {
	pub, priv := cfg.PublicKeyPath, cfg.PrivateKeyPath
	if pub != "" && priv != "" {
		return pub, priv
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return pub, priv
	}
	if priv == "" {
		priv = filepath.Join(home, ".ssh", "id_rsa")
	}
	if pub == "" {
		pub = priv + ".pub"
	}
	return pub, priv
}

func loadKeyPair(pubPath, privPath string) (ssh.Signer, error) {
	if pubPath == "" || privPath == "" {
		return nil, fmt.Errorf("key pair location unknown")
	}
	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file %s: %w", pubPath, err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes); err != nil {
		return nil, fmt.Errorf("failed to parse public key from file %s: %w", pubPath, err)
	}
	privBytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file %s: %w", privPath, err)
	}
	signer, err := ssh.ParsePrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key from file %s: %w", privPath, err)
	}
	return signer, nil
}

func buildHostKeyCallback(cfg ConnectionCfg) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyCallback != nil {
		return cfg.HostKeyCallback, nil
	}
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsPath, err)
		}
		return cb, nil
	}
	logger.Get().Warnf("host key verification is disabled for %s; set a known hosts file to enable it", cfg.Host)
	return ssh.InsecureIgnoreHostKey(), nil
}

// Transport returns the non-blocking transport of the session.
func (s *Session) Transport() Transport { return s.transport }

// Client returns the underlying SSH client, for subsystems such as SFTP.
func (s *Session) Client() *ssh.Client { return s.client }

// User returns the authenticated principal.
func (s *Session) User() string { return s.user }

// Host returns the host the session was opened to.
func (s *Session) Host() string { return s.host }

// RemoteAddr returns the remote endpoint address.
func (s *Session) RemoteAddr() net.Addr { return s.client.RemoteAddr() }

// IsAlive sends a keepalive request and reports whether the peer answered.
func (s *Session) IsAlive() bool {
	select {
	case <-s.transport.done:
		return false
	default:
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close disconnects the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		<-s.transport.done
	})
	return s.closeErr
}
