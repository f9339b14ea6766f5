package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grannygear/workshop/internal/api"
	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	syncpkg "github.com/grannygear/workshop/internal/sync"
)

// NewSyncCommand creates the sync command: a one-shot drain of the
// offline queue, for operators who want to push stuck jobs from a shell.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the offline queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			store := db.NewStore(cfg.DataDir)
			defer store.Close()
			repo := db.NewRepository(store)
			defer repo.Close()

			reset, err := repo.ResetSyncingJobs()
			if err != nil {
				return err
			}
			if reset > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d interrupted record(s)\n", reset)
			}

			client := api.NewClient(api.Config{
				ProxyURL:  cfg.Remote.ProxyURL,
				ScriptURL: cfg.Remote.ScriptURL,
				Timeout:   cfg.Remote.Timeout(),
			})

			// One-shot mode has no platform signal; trust the operator
			monitor := connectivity.NewMonitor(true)
			engine := syncpkg.NewEngine(repo, client, monitor, nil)

			result, err := engine.SyncPendingJobs(context.Background())
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync skipped (another drain in progress)")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d\n", result.Synced, result.Failed)
			return nil
		},
	}
}
