// Package cmd provides the CLI commands for the resilience server.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bargom/resilience/internal/config"
	"github.com/bargom/resilience/pkg/logging"
)

var (
	// cfgFile holds the path to the config file
	cfgFile string
	// verbose enables verbose output
	verbose bool
	// outputFormat specifies the output format (json, yaml, plain)
	outputFormat string
)

const rootLong = `resilience runs the request admission, failed-delivery retry and
provider failover components behind one HTTP server.

Configuration is read from defaults, an optional YAML file (--config)
and RESILIENCE_* environment variables, in that order.`

// Execute builds the command tree and runs it. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd creates a fresh command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "resilience",
		Short:        "Admission, redelivery and failover server",
		Long:         rootLong,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "plain", "output format (json|yaml|plain)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newRateLimitCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// loadConfig reads the effective configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. Command output goes to w when the
// config leaves the default stdout destination, so tests can capture it.
func newLogger(cfg logging.Config, w io.Writer) *slog.Logger {
	var l *logging.Logger
	if cfg.Output == "" || cfg.Output == "stdout" {
		l = logging.NewWithWriter(cfg, w)
	} else {
		l = logging.New(cfg)
	}
	return l.Logger
}

// printVerbose prints message only if verbose mode is enabled.
func printVerbose(cmd *cobra.Command, format string, args ...any) {
	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), format, args...)
	}
}
