// Package hmc holds the few console commands the connection itself depends
// on: the system type probe, partition enumeration and the VIOS lookup.
package hmc

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mensylisir/phypctl/pkg/connector"
	"github.com/mensylisir/phypctl/pkg/executor"
)

// RemoteTableName is the file name of the identity table in the user's home.
const RemoteTableName = "libvirt_uuid_table"

// SystemType is the kind of management console on the other end.
type SystemType int

const (
	// HMC is a Hardware Management Console managing one or more systems.
	HMC SystemType = iota
	// IVM is the Integrated Virtualization Manager of a single system.
	IVM
)

func (t SystemType) String() string {
	if t == HMC {
		return "HMC"
	}
	return "IVM"
}

// Runner executes console commands.
type Runner interface {
	Execute(ctx context.Context, cmd string) (*executor.Result, error)
	ExecuteInt(ctx context.Context, cmd string) (int, error)
}

// ProbeSystemType runs lshmc -V. Only an HMC knows the command, so exit
// status 0 means HMC and any other status IVM. A transport failure is
// returned as is.
func ProbeSystemType(ctx context.Context, r Runner) (SystemType, error) {
	res, err := r.Execute(ctx, "lshmc -V")
	if err != nil {
		return IVM, errors.Wrap(err, "failed to probe system type")
	}
	if res.ExitStatus == 0 {
		return HMC, nil
	}
	return IVM, nil
}

// RemoteTablePath returns the remote identity table path of user.
func RemoteTablePath(user string) string {
	return path.Join("/home", user, RemoteTableName)
}

const specialCharacters = "&;`@\"|*?~<>^()[]{}$%#\\\n\r\t"

// ContainsSpecialCharacters reports whether s holds a character the console
// shell would interpret.
func ContainsSpecialCharacters(s string) bool {
	return strings.ContainsAny(s, specialCharacters)
}

// ValidateManagedSystem checks a managed system name before it is placed in
// console commands.
func ValidateManagedSystem(name string) error {
	if ContainsSpecialCharacters(name) {
		return fmt.Errorf("managed system name %q contains invalid characters", name)
	}
	return nil
}

// Console issues partition commands for one console and managed system.
type Console struct {
	Runner        Runner
	System        SystemType
	ManagedSystem string
}

func NewConsole(r Runner, system SystemType, managedSystem string) (*Console, error) {
	if err := ValidateManagedSystem(managedSystem); err != nil {
		return nil, err
	}
	if system == HMC && managedSystem == "" {
		return nil, fmt.Errorf("a managed system is required on an HMC")
	}
	return &Console{Runner: r, System: system, ManagedSystem: managedSystem}, nil
}

// lssyscfg returns "lssyscfg" with the managed system selector an HMC needs.
func (c *Console) lssyscfg() string {
	if c.System == HMC {
		return "lssyscfg -m " + c.ManagedSystem
	}
	return "lssyscfg"
}

// CountResourcesCommand counts partitions with a numeric id.
func (c *Console) CountResourcesCommand() string {
	return fmt.Sprintf("%s -r lpar -F lpar_id,state |grep -c '^[0-9][0-9]*'", c.lssyscfg())
}

// ListResourcesCommand prints one partition id per line.
func (c *Console) ListResourcesCommand() string {
	return fmt.Sprintf("%s -r lpar -F lpar_id,state | sed -e 's/,.*$//'", c.lssyscfg())
}

// CountResources returns the number of partitions. grep -c exits with
// status 1 when nothing matched, so that status with a count of 0 is an
// empty console rather than a failure.
func (c *Console) CountResources(ctx context.Context) (int, error) {
	n, err := c.Runner.ExecuteInt(ctx, c.CountResourcesCommand())
	if err != nil {
		var ce *connector.CommandError
		if errors.As(err, &ce) && ce.ExitCode == 1 && strings.TrimSpace(ce.Stdout) == "0" {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to count partitions")
	}
	return n, nil
}

// ListResources returns the partition ids in listing order.
func (c *Console) ListResources(ctx context.Context) ([]int, error) {
	cmd := c.ListResourcesCommand()
	res, err := c.Runner.Execute(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partitions")
	}
	if !res.Success() {
		return nil, &connector.CommandError{
			Cmd:      cmd,
			ExitCode: res.ExitStatus,
			Stdout:   string(res.Output),
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	ids, err := ParseIDs(string(res.Output))
	if err != nil {
		return nil, &executor.ParseError{Cmd: cmd, Output: string(res.Output), Err: err}
	}
	return ids, nil
}

// ParseIDs parses newline separated integers. Blank lines are skipped.
func ParseIDs(out string) ([]int, error) {
	var ids []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("cannot parse number from %q", line)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// VIOSPartitionID returns the partition id of the Virtual I/O Server.
func (c *Console) VIOSPartitionID(ctx context.Context) (int, error) {
	cmd := fmt.Sprintf("%s -r lpar -F lpar_id,lpar_env|sed -n '/vioserver/ {\n s/,.*$//\n p\n}'", c.lssyscfg())
	id, err := c.Runner.ExecuteInt(ctx, cmd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to find the VIOS partition")
	}
	return id, nil
}
