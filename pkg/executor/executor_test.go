package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/logger"
)

func newTestExecutor(t *testing.T, tr connector.Transport) (*Executor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts := logger.DefaultOptions()
	opts.ConsoleLevel = logger.DebugLevel
	opts.ColorConsole = false
	opts.Console = &buf
	log, err := logger.NewLogger(opts)
	require.NoError(t, err)
	e, err := NewExecutor(ExecutorOptions{Transport: tr, Logger: log})
	require.NoError(t, err)
	return e, &buf
}

func fake(stalls int, channels ...*connector.FakeChannel) *connector.FakeTransport {
	return &connector.FakeTransport{Stalls: stalls, Channels: channels}
}

func TestNewExecutor_RequiresTransport(t *testing.T) {
	_, err := NewExecutor(ExecutorOptions{})
	assert.Error(t, err)

	e, err := NewExecutor(ExecutorOptions{Transport: fake(0)})
	require.NoError(t, err)
	assert.NotNil(t, e.Logger)
}

func TestExecute_Success(t *testing.T) {
	ch := &connector.FakeChannel{Stdout: []byte("V7R7.9.0\n"), Stderr: []byte("note"), Status: 0}
	e, _ := newTestExecutor(t, fake(0, ch))

	res, err := e.Execute(context.Background(), "lshmc -V")
	require.NoError(t, err)
	assert.Equal(t, "V7R7.9.0\n", res.String())
	assert.Equal(t, "note", string(res.Stderr))
	assert.Equal(t, 0, res.ExitStatus)
	assert.True(t, res.Success())
	assert.Equal(t, "lshmc -V", ch.Cmd)
	assert.True(t, ch.Closed)
}

func TestExecute_NonzeroStatusIsAResult(t *testing.T) {
	ch := &connector.FakeChannel{Stdout: []byte("not found\n"), Status: 127}
	e, _ := newTestExecutor(t, fake(0, ch))

	res, err := e.Execute(context.Background(), "lshmc -V")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitStatus)
	assert.False(t, res.Success())
	assert.Equal(t, "not found\n", res.String())
}

func TestExecute_WouldBlockIsTransparent(t *testing.T) {
	output := bytes.Repeat([]byte("0123456789"), 1000)
	var baseline *Result
	for _, stalls := range []int{0, 1, 3, 10} {
		t.Run(fmt.Sprintf("stalls=%d", stalls), func(t *testing.T) {
			ch := &connector.FakeChannel{Stdout: append([]byte(nil), output...), Status: 4}
			tr := fake(stalls, ch)
			e, _ := newTestExecutor(t, tr)

			res, err := e.Execute(context.Background(), "cat big")
			require.NoError(t, err)
			if baseline == nil {
				baseline = res
			}
			assert.Equal(t, baseline.Output, res.Output)
			assert.Equal(t, baseline.ExitStatus, res.ExitStatus)
			if stalls > 0 {
				assert.Greater(t, tr.Waits, 0)
			} else {
				assert.Zero(t, tr.Waits)
			}
		})
	}
}

func TestExecute_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		tr     *connector.FakeTransport
		wantOp string
	}{
		{
			name:   "open",
			tr:     &connector.FakeTransport{OpenErr: boom},
			wantOp: "open channel",
		},
		{
			name:   "exec",
			tr:     fake(0, &connector.FakeChannel{ExecErr: boom}),
			wantOp: "exec",
		},
		{
			name:   "read",
			tr:     fake(0, &connector.FakeChannel{ReadErr: boom}),
			wantOp: "read",
		},
		{
			name:   "close",
			tr:     fake(0, &connector.FakeChannel{Stdout: []byte("partial"), CloseErr: boom}),
			wantOp: "close channel",
		},
		{
			name:   "missing exit status",
			tr:     fake(0, &connector.FakeChannel{Stdout: []byte("partial"), Status: connector.ExitStatusUnavailable}),
			wantOp: "exit status",
		},
		{
			name:   "wait",
			tr:     &connector.FakeTransport{Stalls: 1 << 30, WaitErr: boom, WaitFailAfter: 5, Channels: []*connector.FakeChannel{{}}},
			wantOp: "open channel",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestExecutor(t, tt.tr)
			res, err := e.Execute(context.Background(), "lssyscfg -r sys")
			require.Error(t, err)
			assert.Nil(t, res)

			var pe *connector.ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantOp, pe.Op)
			assert.Equal(t, connector.ExitStatusUnavailable, pe.ExitStatus)
		})
	}
}

func TestExecute_FailureWaitsForChannelClose(t *testing.T) {
	boom := errors.New("boom")
	for _, tt := range []struct {
		name string
		ch   *connector.FakeChannel
	}{
		{name: "exec", ch: &connector.FakeChannel{ExecErr: boom}},
		{name: "read", ch: &connector.FakeChannel{ReadErr: boom}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr := fake(2, tt.ch)
			e, _ := newTestExecutor(t, tr)

			_, err := e.Execute(context.Background(), "lssyscfg -r sys")
			require.Error(t, err)
			assert.True(t, tt.ch.Closed, "channel must be fully closed before Execute returns")
			assert.Zero(t, tr.BlockDirections())
		})
	}
}

func TestExecute_ResultOrFailureNeverBoth(t *testing.T) {
	boom := errors.New("boom")
	channels := []*connector.FakeChannel{
		{Stdout: []byte("ok"), Status: 0},
		{Stdout: []byte("bad"), Status: 255},
		{ReadErr: boom},
		{CloseErr: boom},
		{Status: connector.ExitStatusUnavailable},
		{Status: 256},
	}
	for i, ch := range channels {
		e, _ := newTestExecutor(t, fake(2, ch))
		res, err := e.Execute(context.Background(), "true")
		if err != nil {
			assert.Nil(t, res, "case %d", i)
			continue
		}
		require.NotNil(t, res, "case %d", i)
		assert.NotNil(t, res.Output, "case %d", i)
		assert.GreaterOrEqual(t, res.ExitStatus, 0, "case %d", i)
		assert.LessOrEqual(t, res.ExitStatus, 255, "case %d", i)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, _ := newTestExecutor(t, fake(1, &connector.FakeChannel{}))
	_, err := e.Execute(ctx, "sleep 100")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteTrimmed(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"Running\n", "Running"},
		{"a\nb\n", "a\nb"},
		{"x\r\n", "x"},
		{"no newline", "no newline"},
		{"\n\n", "\n"},
		{"", ""},
	}
	for _, tt := range tests {
		e, _ := newTestExecutor(t, fake(0, &connector.FakeChannel{Stdout: []byte(tt.out)}))
		res, err := e.ExecuteTrimmed(context.Background(), "lssyscfg")
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.String(), "output %q", tt.out)
	}
}

func TestExecuteInt(t *testing.T) {
	tests := []struct {
		name     string
		ch       *connector.FakeChannel
		want     int
		wantWarn bool
		check    func(t *testing.T, err error)
	}{
		{name: "plain", ch: &connector.FakeChannel{Stdout: []byte("42\n")}, want: 42},
		{name: "negative", ch: &connector.FakeChannel{Stdout: []byte("-1")}, want: -1},
		{name: "leading blanks", ch: &connector.FakeChannel{Stdout: []byte("  7\n")}, want: 7},
		{name: "suffix", ch: &connector.FakeChannel{Stdout: []byte("3 lpars\n")}, want: 3, wantWarn: true},
		{
			name: "not numeric",
			ch:   &connector.FakeChannel{Stdout: []byte("HSCL8012 error\n")},
			check: func(t *testing.T, err error) {
				var pe *ParseError
				assert.True(t, errors.As(err, &pe))
			},
		},
		{
			name: "empty",
			ch:   &connector.FakeChannel{},
			check: func(t *testing.T, err error) {
				var pe *ParseError
				assert.True(t, errors.As(err, &pe))
			},
		},
		{
			name: "nonzero status",
			ch:   &connector.FakeChannel{Stdout: []byte("0\n"), Stderr: []byte("grep failed\n"), Status: 1},
			check: func(t *testing.T, err error) {
				var ce *connector.CommandError
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, 1, ce.ExitCode)
				assert.Equal(t, "grep failed", ce.Stderr)
			},
		},
		{
			name: "transport failure",
			ch:   &connector.FakeChannel{ReadErr: errors.New("reset")},
			check: func(t *testing.T, err error) {
				var pe *connector.ProtocolError
				assert.True(t, errors.As(err, &pe))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, logs := newTestExecutor(t, fake(1, tt.ch))
			got, err := e.ExecuteInt(context.Background(), "lssyscfg -r lpar | grep -c x")
			if tt.check != nil {
				require.Error(t, err)
				tt.check(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			_ = e.Logger.Sync()
			if tt.wantWarn {
				assert.Contains(t, logs.String(), "[WARN]")
			} else {
				assert.NotContains(t, logs.String(), "[WARN]")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Streaming", StateStreaming.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.True(t, StateDone.terminal())
	assert.False(t, StateClosing.terminal())
}

func TestExecute_OverSSH(t *testing.T) {
	ms, host, port := connector.NewMockServer(t, func(cmd string, ch ssh.Channel) int {
		switch cmd {
		case "lshmc -V":
			fmt.Fprint(ch, "\"version= Version: 7\n Release: 7.9.0\"\n")
			return 0
		case "lssyscfg -r lpar -F lpar_id,state |grep -c '^[0-9][0-9]*'":
			fmt.Fprint(ch, "3\n")
			return 0
		default:
			fmt.Fprint(ch.Stderr(), "command not found")
			return 127
		}
	})
	dir := t.TempDir()
	s, err := connector.Open(context.Background(), connector.ConnectionCfg{
		Host:            host,
		Port:            port,
		User:            ms.User,
		PrivateKeyPath:  dir + "/id_rsa",
		PublicKeyPath:   dir + "/id_rsa.pub",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}, connector.CredentialFuncs{PasswordFunc: func(user, host string) (string, error) { return ms.Password, nil }})
	require.NoError(t, err)
	defer s.Close()

	e, _ := newTestExecutor(t, s.Transport())
	ctx := context.Background()

	res, err := e.Execute(ctx, "lshmc -V")
	require.NoError(t, err)
	assert.Zero(t, res.ExitStatus)
	assert.Contains(t, res.String(), "Release: 7.9.0")

	n, err := e.ExecuteInt(ctx, "lssyscfg -r lpar -F lpar_id,state |grep -c '^[0-9][0-9]*'")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err = e.Execute(ctx, "bogus")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitStatus)
	assert.Equal(t, "command not found", string(res.Stderr))
}
