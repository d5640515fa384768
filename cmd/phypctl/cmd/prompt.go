package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalCredentials asks the operator for a username or password.
type terminalCredentials struct {
	in  *os.File
	out io.Writer
}

func newTerminalCredentials(in *os.File, out io.Writer) *terminalCredentials {
	return &terminalCredentials{in: in, out: out}
}

func (c *terminalCredentials) Username(host string) (string, error) {
	fmt.Fprintf(c.out, "Enter username for %s: ", host)
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading username: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *terminalCredentials) Password(user, host string) (string, error) {
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for the password prompt, set PHYP_PASSWORD")
	}
	fmt.Fprintf(c.out, "Enter %s's password for %s: ", user, host)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(c.out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
