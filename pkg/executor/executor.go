// Package executor runs one remote command per call over a non-blocking
// transport and returns its complete output and exit status, or a failure.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/logger"
)

const readChunkSize = 4096

// State is the progress of one command invocation.
type State int

const (
	StateIdle State = iota
	StateChannelOpening
	StateCommandSent
	StateStreaming
	StateClosing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChannelOpening:
		return "ChannelOpening"
	case StateCommandSent:
		return "CommandSent"
	case StateStreaming:
		return "Streaming"
	case StateClosing:
		return "Closing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) terminal() bool { return s == StateDone || s == StateFailed }

// Result is the outcome of a command that ran to completion. ExitStatus is
// always in 0..255.
type Result struct {
	Output     []byte
	Stderr     []byte
	ExitStatus int
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool { return r.ExitStatus == 0 }

// String returns the output as text.
func (r *Result) String() string { return string(r.Output) }

// ParseError is returned by ExecuteInt when the output does not start with
// an integer.
type ParseError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("output of command '%s' is not numeric: %q", e.Cmd, e.Output)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Executor struct {
	Transport connector.Transport
	Logger    *logger.Logger
}

type ExecutorOptions struct {
	Transport connector.Transport
	Logger    *logger.Logger
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("NewExecutor: transport cannot be nil")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	return &Executor{Transport: opts.Transport, Logger: log}, nil
}

// Execute runs cmd on a fresh command channel and blocks until the command
// finished and its channel closed, or a step failed. On failure no output
// is returned and the error is a *connector.ProtocolError carrying
// connector.ExitStatusUnavailable.
func (e *Executor) Execute(ctx context.Context, cmd string) (*Result, error) {
	inv := &invocation{
		cmd: cmd,
		tr:  e.Transport,
		log: e.Logger.With("cmd", cmd),
	}
	for !inv.state.terminal() {
		inv.step(ctx)
	}
	if inv.state == StateFailed {
		inv.log.Debugf("command failed in state %s: %v", inv.failedIn, inv.err)
		return nil, inv.err
	}
	inv.log.Debugf("command exited with status %d (%d bytes)", inv.status, inv.stdout.Len())
	return &Result{
		Output:     inv.stdout.Bytes(),
		Stderr:     inv.stderr.Bytes(),
		ExitStatus: inv.status,
	}, nil
}

// ExecuteTrimmed is Execute with a single trailing line terminator removed
// from the output.
func (e *Executor) ExecuteTrimmed(ctx context.Context, cmd string) (*Result, error) {
	res, err := e.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	res.Output = trimLineTerminator(res.Output)
	return res, nil
}

// ExecuteInt runs cmd and parses the leading integer of its output. A
// nonzero exit status yields a *connector.CommandError and output without a
// leading integer a *ParseError. Anything after the integer is ignored with a
// warning.
func (e *Executor) ExecuteInt(ctx context.Context, cmd string) (int, error) {
	res, err := e.ExecuteTrimmed(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, &connector.CommandError{
			Cmd:      cmd,
			ExitCode: res.ExitStatus,
			Stdout:   string(res.Output),
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	out := string(res.Output)
	n, rest, err := parseLeadingInt(out)
	if err != nil {
		return 0, &ParseError{Cmd: cmd, Output: out, Err: err}
	}
	if rest != "" {
		e.Logger.With("cmd", cmd).Warnf("trailing garbage after integer in command output: %q", rest)
	}
	return n, nil
}

func trimLineTerminator(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

// parseLeadingInt accepts optional leading blanks, an optional sign and at
// least one decimal digit, and returns the unparsed remainder.
func parseLeadingInt(s string) (int, string, error) {
	t := strings.TrimLeft(s, " \t\n")
	end := 0
	if end < len(t) && (t[end] == '+' || t[end] == '-') {
		end++
	}
	digits := end
	for end < len(t) && t[end] >= '0' && t[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, s, errors.New("no digits")
	}
	n, err := strconv.Atoi(t[:end])
	if err != nil {
		return 0, s, err
	}
	return n, t[end:], nil
}

// invocation is the state of one Execute call.
type invocation struct {
	cmd string
	tr  connector.Transport
	log *logger.Logger

	state    State
	failedIn State
	err      error
	ch       connector.Channel
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	status   int
}

func (inv *invocation) step(ctx context.Context) {
	switch inv.state {
	case StateIdle:
		inv.state = StateChannelOpening

	case StateChannelOpening:
		ch, err := connector.Retry(ctx, inv.tr, "open channel", inv.tr.OpenChannel)
		if err != nil {
			inv.fail(ctx, "open channel", err)
			return
		}
		inv.ch = ch
		if err := connector.RetryErr(ctx, inv.tr, "exec", func() error { return ch.Exec(inv.cmd) }); err != nil {
			inv.fail(ctx, "exec", err)
			return
		}
		inv.state = StateCommandSent

	case StateCommandSent:
		inv.state = StateStreaming

	case StateStreaming:
		if err := inv.drain(ctx, "read", inv.ch.Read, &inv.stdout); err != nil {
			inv.fail(ctx, "read", err)
			return
		}
		if err := inv.drain(ctx, "read stderr", inv.ch.ReadStderr, &inv.stderr); err != nil {
			inv.fail(ctx, "read stderr", err)
			return
		}
		inv.state = StateClosing

	case StateClosing:
		if err := connector.RetryErr(ctx, inv.tr, "close channel", inv.ch.Close); err != nil {
			inv.ch = nil
			inv.fail(ctx, "close channel", err)
			return
		}
		status := inv.ch.ExitStatus()
		inv.ch = nil
		if status < 0 || status > 255 {
			inv.fail(ctx, "exit status", fmt.Errorf("no exit status reported by remote"))
			return
		}
		inv.status = status
		inv.state = StateDone
	}
}

// drain reads until end of stream, waiting whenever nothing is available.
func (inv *invocation) drain(ctx context.Context, op string, read func([]byte) (int, error), dst *bytes.Buffer) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := connector.Retry(ctx, inv.tr, op, func() (int, error) { return read(buf) })
		dst.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// fail records err and releases the channel, waiting until its close has
// completed so the next command starts on a settled transport.
func (inv *invocation) fail(ctx context.Context, op string, err error) {
	var pe *connector.ProtocolError
	if !errors.As(err, &pe) {
		err = &connector.ProtocolError{Op: op, Err: err, ExitStatus: connector.ExitStatusUnavailable}
	}
	if inv.ch != nil {
		_ = connector.RetryErr(ctx, inv.tr, "close channel", inv.ch.Close)
		inv.ch = nil
	}
	inv.failedIn = inv.state
	inv.err = err
	inv.stdout.Reset()
	inv.stderr.Reset()
	inv.state = StateFailed
}
