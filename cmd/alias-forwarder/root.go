package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/alias-forwarder/internal/config"
)

// rootOptions is shared by all subcommands.
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "alias-forwarder",
		Short: "Forward mail sent to aliases to their owners",
		Long: `alias-forwarder accepts inbound mail for alias addresses, decides per recipient
whether to forward, block or discard it, and relays forwarded mail to the
alias owner's real address with the original sender exposed only via Reply-To.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (optional)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProcessCmd(opts))
	return cmd
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
