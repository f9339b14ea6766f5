// Package cli implements the workshopd command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/grannygear/workshop/internal/config"
	"github.com/grannygear/workshop/internal/logging"
)

// RootOptions holds flags shared by all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the workshopd root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "workshopd",
		Short: "Local companion daemon for the Granny Gear intake PWA",
		Long: `workshopd keeps the repair-shop intake PWA working without internet:
it holds submitted jobs in a durable local queue, replays them to the
booking backend when connectivity returns, proxies API calls for the
browser, and relays confirmation emails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (YAML)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		logging.Error("command failed", err, nil)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes logging for a command.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}
