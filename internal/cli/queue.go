package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/grannygear/workshop/internal/db"
	"github.com/grannygear/workshop/internal/models"
)

// NewQueueCommand creates the queue command group for inspecting the
// offline queue.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline submission queue",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueCountCommand(rootOpts))

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued job submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo(rootOpts)
			if err != nil {
				return err
			}
			defer closeRepo()

			pending, err := repo.ListPendingJobsByStatus(models.JobStatusPending)
			if err != nil {
				return err
			}

			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LOCAL ID\tCREATED\tATTEMPTS\tLAST ERROR")
			for _, job := range pending {
				created := time.Unix(job.CreatedAt, 0).Format("2006-01-02 15:04")
				lastError := job.LastError
				if lastError == "" {
					lastError = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", job.LocalID, created, job.Attempts, lastError)
			}
			return w.Flush()
		},
	}
}

func newQueueCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of queued submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo(rootOpts)
			if err != nil {
				return err
			}
			defer closeRepo()

			count, err := repo.CountPendingJobsByStatus(models.JobStatusPending)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}
}

func openRepo(rootOpts *RootOptions) (*db.Repository, func(), error) {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return nil, nil, err
	}

	store := db.NewStore(cfg.DataDir)
	repo := db.NewRepository(store)
	closeAll := func() {
		repo.Close()
		store.Close()
	}
	return repo, closeAll, nil
}
