package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func passwordCreds(pass string, calls *int) Credentials {
	return CredentialFuncs{
		PasswordFunc: func(user, host string) (string, error) {
			if calls != nil {
				*calls++
			}
			return pass, nil
		},
	}
}

func noKeyCfg(t *testing.T, host string, port int, user string) ConnectionCfg {
	dir := t.TempDir()
	return ConnectionCfg{
		Host:            host,
		Port:            port,
		User:            user,
		PrivateKeyPath:  filepath.Join(dir, "id_rsa"),
		PublicKeyPath:   filepath.Join(dir, "id_rsa.pub"),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
}

func openTestSession(t *testing.T, handler ExecHandlerFunc) (*Session, *MockServer) {
	t.Helper()
	ms, host, port := NewMockServer(t, handler)
	s, err := Open(context.Background(), noKeyCfg(t, host, port, ms.User), passwordCreds(ms.Password, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, ms
}

// runCommand drives one command channel through the non-blocking transport.
func runCommand(t *testing.T, tr Transport, cmd string, stdin []byte) (stdout, stderr string, status int) {
	t.Helper()
	ctx := context.Background()
	ch, err := Retry(ctx, tr, "open channel", tr.OpenChannel)
	require.NoError(t, err)
	require.NoError(t, RetryErr(ctx, tr, "exec", func() error { return ch.Exec(cmd) }))

	for len(stdin) > 0 {
		n, err := Retry(ctx, tr, "write", func() (int, error) { return ch.Write(stdin) })
		require.NoError(t, err)
		stdin = stdin[n:]
	}
	require.NoError(t, RetryErr(ctx, tr, "send eof", ch.SendEOF))

	drain := func(read func([]byte) (int, error)) string {
		var sb strings.Builder
		buf := make([]byte, 7)
		for {
			n, err := Retry(ctx, tr, "read", func() (int, error) { return read(buf) })
			sb.Write(buf[:n])
			if errors.Is(err, io.EOF) {
				return sb.String()
			}
			require.NoError(t, err)
		}
	}
	stdout = drain(ch.Read)
	stderr = drain(ch.ReadStderr)
	require.NoError(t, RetryErr(ctx, tr, "close", ch.Close))
	return stdout, stderr, ch.ExitStatus()
}

func TestOpen_PasswordFallback(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)
	calls := 0
	s, err := Open(context.Background(), noKeyCfg(t, host, port, ms.User), passwordCreds(ms.Password, &calls))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, calls)
	assert.Equal(t, ms.User, s.User())
	assert.Equal(t, host, s.Host())
	assert.NotNil(t, s.RemoteAddr())
	assert.True(t, s.IsAlive())
	assert.NotContains(t, ms.AuthAttempts(), "publickey")
}

func TestOpen_PublicKeyFirst(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)
	pub, pubPath, privPath := WriteTestKeyPair(t, t.TempDir())
	ms.AuthorizedKey = pub

	cfg := noKeyCfg(t, host, port, ms.User)
	cfg.PublicKeyPath, cfg.PrivateKeyPath = pubPath, privPath
	calls := 0
	s, err := Open(context.Background(), cfg, passwordCreds("unused", &calls))
	require.NoError(t, err)
	defer s.Close()

	assert.Zero(t, calls)
	assert.Contains(t, ms.AuthAttempts(), "publickey")
	assert.NotContains(t, ms.AuthAttempts(), "password")
}

func TestOpen_RejectedKeyFallsBackToPassword(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)
	_, pubPath, privPath := WriteTestKeyPair(t, t.TempDir())

	cfg := noKeyCfg(t, host, port, ms.User)
	cfg.PublicKeyPath, cfg.PrivateKeyPath = pubPath, privPath
	calls := 0
	s, err := Open(context.Background(), cfg, passwordCreds(ms.Password, &calls))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, calls)
	attempts := ms.AuthAttempts()
	require.NotEmpty(t, attempts)
	assert.Equal(t, "publickey", attempts[0])
	assert.Contains(t, attempts, "password")
}

func TestOpen_WrongPasswordIsTerminal(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)
	calls := 0
	_, err := Open(context.Background(), noKeyCfg(t, host, port, ms.User), passwordCreds("wrong", &calls))
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, host, te.Host)
	assert.Equal(t, 1, calls)
}

func TestOpen_AsksForUsername(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)
	creds := CredentialFuncs{
		UsernameFunc: func(h string) (string, error) {
			assert.Equal(t, host, h)
			return ms.User, nil
		},
		PasswordFunc: func(user, h string) (string, error) {
			assert.Equal(t, ms.User, user)
			return ms.Password, nil
		},
	}
	s, err := Open(context.Background(), noKeyCfg(t, host, port, ""), creds)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, ms.User, s.User())
}

func TestOpen_NoCredentials(t *testing.T) {
	_, host, port := NewMockServer(t, nil)

	_, err := Open(context.Background(), noKeyCfg(t, host, port, ""), nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = Open(context.Background(), noKeyCfg(t, host, port, "hscroot"), nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestOpen_TriesEachAddress(t *testing.T) {
	ms, host, port := NewMockServer(t, nil)

	origLookup, origDial := lookupHost, dialContext
	defer func() { lookupHost, dialContext = origLookup, origDial }()

	var dialed []string
	lookupHost = func(ctx context.Context, h string) ([]string, error) {
		return []string{"192.0.2.10", host}, nil
	}
	dialContext = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		dialed = append(dialed, addr)
		if strings.HasPrefix(addr, "192.0.2.10") {
			return nil, fmt.Errorf("connection refused")
		}
		return origDial(ctx, addr, timeout)
	}

	s, err := Open(context.Background(), noKeyCfg(t, "hmc.example", port, ms.User), passwordCreds(ms.Password, nil))
	require.NoError(t, err)
	defer s.Close()
	assert.Len(t, dialed, 2)
}

func TestOpen_UnreachableHost(t *testing.T) {
	origLookup, origDial := lookupHost, dialContext
	defer func() { lookupHost, dialContext = origLookup, origDial }()
	lookupHost = func(ctx context.Context, h string) ([]string, error) {
		return []string{"192.0.2.10"}, nil
	}
	dialContext = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	_, err := Open(context.Background(), noKeyCfg(t, "hmc.example", 22, "hscroot"), passwordCreds("x", nil))
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, _ := openTestSession(t, nil)
	require.NoError(t, s.Close())
	assert.False(t, s.IsAlive())
	assert.NotPanics(t, func() { _ = s.Close() })

	err := s.Transport().Wait(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTransport_ExecCapturesOutputAndStatus(t *testing.T) {
	s, ms := openTestSession(t, func(cmd string, ch ssh.Channel) int {
		fmt.Fprintf(ch, "ran %s\n", cmd)
		fmt.Fprint(ch.Stderr(), "warning: something")
		return 3
	})

	stdout, stderr, status := runCommand(t, s.Transport(), "lshmc -V", nil)
	assert.Equal(t, "ran lshmc -V\n", stdout)
	assert.Equal(t, "warning: something", stderr)
	assert.Equal(t, 3, status)
	assert.Equal(t, []string{"lshmc -V"}, ms.Commands())
	assert.Equal(t, Direction(0), s.Transport().BlockDirections())
}

func TestTransport_SequentialChannels(t *testing.T) {
	s, ms := openTestSession(t, func(cmd string, ch ssh.Channel) int {
		fmt.Fprint(ch, cmd)
		return 0
	})
	for i := 0; i < 3; i++ {
		out, _, status := runCommand(t, s.Transport(), fmt.Sprintf("echo %d", i), nil)
		assert.Equal(t, fmt.Sprintf("echo %d", i), out)
		assert.Zero(t, status)
	}
	assert.Len(t, ms.Commands(), 3)
}

func TestTransport_MissingExitStatus(t *testing.T) {
	s, _ := openTestSession(t, func(cmd string, ch ssh.Channel) int {
		fmt.Fprint(ch, "partial")
		return NoExitStatus
	})
	out, _, status := runCommand(t, s.Transport(), "kill -9 $$", nil)
	assert.Equal(t, "partial", out)
	assert.Equal(t, ExitStatusUnavailable, status)
}

func TestTransport_WriteStreamsStdin(t *testing.T) {
	s, _ := openTestSession(t, func(cmd string, ch ssh.Channel) int {
		data, err := io.ReadAll(ch)
		if err != nil {
			return 1
		}
		fmt.Fprintf(ch, "%d", len(data))
		return 0
	})

	payload := []byte(strings.Repeat("x", 3*maxWriteChunk+17))
	out, _, status := runCommand(t, s.Transport(), "cat > /dev/null", payload)
	assert.Equal(t, fmt.Sprintf("%d", len(payload)), out)
	assert.Zero(t, status)
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "none", Direction(0).String())
	assert.Equal(t, "inbound", BlockInbound.String())
	assert.Equal(t, "outbound", BlockOutbound.String())
	assert.Equal(t, "inbound|outbound", (BlockInbound | BlockOutbound).String())
}
