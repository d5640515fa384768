package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(execCmd)
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command on the console",
	Long: `Runs a command on the console, copies its output to stdout and
stderr, and exits with the command's exit status.`,
	Example: `  phypctl --uri phyp://hscroot@hmc01/ms01 exec -- lssyscfg -r sys -F name`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		res, err := conn.Executor().Execute(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		_, _ = cmd.OutOrStdout().Write(res.Output)
		_, _ = cmd.ErrOrStderr().Write(res.Stderr)
		if !res.Success() {
			return &ExitError{Code: res.ExitStatus}
		}
		return nil
	},
}
