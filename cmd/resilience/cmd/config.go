package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bargom/resilience/internal/config"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and the
environment have been applied. Secrets and DSNs are redacted.`,
		Args: cobra.NoArgs,
		Example: `  resilience config show
  resilience config show --config resilience.yaml --output json`,
		RunE: runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = redact(cfg)

	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	default:
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(cfg)
	}
}

func redact(cfg config.Config) config.Config {
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	if cfg.Redis.URL != "" {
		cfg.Redis.URL = redacted
	}
	if cfg.Scheduler.RedisPassword != "" {
		cfg.Scheduler.RedisPassword = redacted
	}
	if cfg.Delivery.Archive.DSN != "" {
		cfg.Delivery.Archive.DSN = redacted
	}
	if cfg.Delivery.Secret != "" {
		cfg.Delivery.Secret = redacted
	}
	if cfg.Admin.Auth.Secret != "" {
		cfg.Admin.Auth.Secret = redacted
	}
	return cfg
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			printVerbose(cmd, "failover managers: %d, delivery targets: %d\n",
				len(cfg.Failover.Managers), len(cfg.Delivery.Targets))
			return nil
		},
	}
}
