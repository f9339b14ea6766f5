package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grannygear/workshop/internal/api"
	"github.com/grannygear/workshop/internal/config"
	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	"github.com/grannygear/workshop/internal/jobs"
	"github.com/grannygear/workshop/internal/mail"
	"github.com/grannygear/workshop/internal/notify"
	"github.com/grannygear/workshop/internal/server"
	"github.com/grannygear/workshop/internal/session"
	syncpkg "github.com/grannygear/workshop/internal/sync"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the companion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := db.NewStore(cfg.DataDir)
	defer store.Close()

	repo := db.NewRepository(store)
	defer repo.Close()

	// Assume online at start; the UI corrects this over the WebSocket
	monitor := connectivity.NewMonitor(true)
	hub := notify.NewHub(monitor)

	client := api.NewClient(api.Config{
		ProxyURL:  cfg.Remote.ProxyURL,
		ScriptURL: cfg.Remote.ScriptURL,
		Timeout:   cfg.Remote.Timeout(),
	})

	engine := syncpkg.NewEngine(repo, client, monitor, hub)
	if err := engine.Start(ctx); err != nil {
		return err
	}

	snapshots := jobs.NewSnapshotService(repo, client, monitor)
	relay := mail.NewRelay(cfg.Mail)
	sessions := session.NewManager(cfg.Session.TTL())

	srv := server.New(cfg, engine, repo, snapshots, client, relay, sessions, hub)
	return srv.Run(ctx)
}
