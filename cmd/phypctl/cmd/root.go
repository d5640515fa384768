package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mensylisir/phypctl/pkg/config"
	"github.com/mensylisir/phypctl/pkg/logger"
	"github.com/mensylisir/phypctl/pkg/phyp"
)

const skipConfigAnnotation = "phypctl/skip-config"

var (
	// Global flags
	verboseFlag bool
	cfgFile     string
	uriFlag     string
	envFile     string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "phypctl",
	Short: "phypctl talks to IBM Power HMC and IVM consoles over SSH.",
	Long: `phypctl is a command-line tool that runs commands on IBM Power
HMC and IVM consoles and maintains the partition identity table
kept in the console user's home directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfigAnnotation] == "true" {
			logger.Init(cliLoggerOptions(logger.DefaultOptions()))
			return nil
		}
		if err := config.LoadDotEnv(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		logOpts, err := config.ToLoggerOptions(loaded.Log)
		if err != nil {
			return err
		}
		logger.Init(cliLoggerOptions(logOpts))
		cfg = loaded
		return nil
	},
}

func cliLoggerOptions(opts logger.Options) logger.Options {
	if verboseFlag {
		opts.ConsoleLevel = logger.DebugLevel
	}
	return opts
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.FromURI(uriFlag)
	}
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if uriFlag != "" {
		loaded.Connection.URI = uriFlag
		loaded.Connection.Host = ""
		if err := config.Validate(loaded); err != nil {
			return nil, err
		}
	}
	return loaded, nil
}

// connect opens a console connection from the loaded configuration.
func connect(ctx context.Context) (*phyp.Conn, error) {
	opts, err := config.ToConnectOptions(cfg, newTerminalCredentials(os.Stdin, os.Stderr))
	if err != nil {
		return nil, err
	}
	return phyp.Connect(ctx, opts)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command and returns the process exit status.
func Execute() int {
	err := rootCmd.Execute()
	defer logger.SyncGlobal()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	logger.Get().Errorf("%v", err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to the phypctl configuration file")
	rootCmd.PersistentFlags().StringVar(&uriFlag, "uri", "", "Connection URI, phyp://[user@]host[:port]/managed_system")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with PHYP_* environment variables")
}
