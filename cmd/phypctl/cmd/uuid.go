package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mensylisir/phypctl/pkg/identity"
	"github.com/mensylisir/phypctl/pkg/logger"
)

// UUIDCmd groups the identity table commands.
var UUIDCmd = &cobra.Command{
	Use:   "uuid",
	Short: "Inspect and maintain the partition identity table",
}

func init() {
	UUIDCmd.AddCommand(uuidInitCmd, uuidListCmd, uuidLookupCmd, uuidAddCmd, uuidRemoveCmd)
	rootCmd.AddCommand(UUIDCmd)
}

var uuidInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Load or create the identity table and print a summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		recs, err := conn.Identity().Records()
		if err != nil {
			return err
		}
		live := 0
		for _, r := range recs {
			if r.Live {
				live++
			}
		}
		logger.Get().Successf("identity table ready on %s: %d records, %d live", conn.Host(), len(recs), live)
		return nil
	},
}

var uuidListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identity table records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		recs, err := conn.Identity().Records()
		if err != nil {
			return err
		}
		renderRecords(cmd.OutOrStdout(), recs)
		return nil
	},
}

func renderRecords(w io.Writer, recs []identity.Record) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "LPAR ID", "UUID", "STATE"})
	table.SetBorder(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for i, r := range recs {
		state := green("live")
		id := strconv.Itoa(r.ID)
		if !r.Live {
			state = red("removed")
			id = "-"
		}
		table.Append([]string{strconv.Itoa(i), id, r.UUID.String(), state})
	}
	table.Render()
}

var uuidLookupCmd = &cobra.Command{
	Use:   "lookup <lpar-id>",
	Short: "Print the UUID of a partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLparID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		u, err := conn.Identity().Lookup(id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.String())
		return nil
	},
}

var uuidAddCmd = &cobra.Command{
	Use:   "add <lpar-id> [uuid]",
	Short: "Record a UUID for a partition, generating one when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLparID(args[0])
		if err != nil {
			return err
		}
		var u uuid.UUID
		if len(args) == 2 {
			if u, err = uuid.Parse(args[1]); err != nil {
				return errors.Wrapf(err, "invalid uuid %q", args[1])
			}
		} else if u, err = uuid.NewRandom(); err != nil {
			return errors.Wrap(err, "failed to generate uuid")
		}

		ctx, cancel := signalContext()
		defer cancel()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		state, err := conn.Identity().Add(ctx, u, id)
		reportSync(fmt.Sprintf("partition %d is %s", id, u), state)
		return err
	},
}

var uuidRemoveCmd = &cobra.Command{
	Use:   "remove <lpar-id>",
	Short: "Remove the UUID records of a partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLparID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		state, err := conn.Identity().Remove(ctx, id)
		reportSync(fmt.Sprintf("partition %d removed", id), state)
		return err
	},
}

func reportSync(what string, state identity.SyncState) {
	log := logger.Get()
	switch state {
	case identity.Synced:
		log.Successf("%s", what)
	case identity.LocalOnly:
		log.Warnf("%s locally; the console copy is updated on the next connection", what)
	}
}

func parseLparID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid partition id %q", s)
	}
	return id, nil
}
