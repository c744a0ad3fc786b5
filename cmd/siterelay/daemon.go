package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/query"
	"github.com/njoerd114/siterelay/internal/replication"
	"github.com/njoerd114/siterelay/internal/schedule"
	"github.com/njoerd114/siterelay/internal/server"
)

func newDaemonCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the query manager, scheduled replications, and the optional API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runDaemon(ctx, f)
		},
	}
}

func runDaemon(ctx context.Context, f *rootFlags) error {
	a, err := openApp(ctx, f)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.log

	// --- Query manager -------------------------------------------------------

	sched := schedule.New(cfg.PoolSize, logger)
	mgr := query.NewManager(a.store, a.adapters, sched, a.reporter, logger, query.Options{
		Sites:        cfg.ManagedSites,
		Period:       cfg.ReconcilePeriod,
		StartupDelay: *cfg.StartupDelay,
		PollInterval: cfg.PollInterval,
	})
	mgr.Init()
	// Destroy also shuts the scheduler down, which cancels the replication
	// tasks below.
	defer mgr.Destroy()

	// --- Scheduled replications ----------------------------------------------

	replicator := replication.NewReplicator(a.store, a.adapters, replication.NewSyncer(a.store, logger), a.reporter, logger)
	for _, rc := range cfg.Replications {
		req := model.SyncRequest{Config: rc}
		sched.ScheduleAtFixedRate("replication "+rc.ID, *cfg.StartupDelay, cfg.ReplicationInterval, func(ctx context.Context) {
			if err := replicator.ExecuteSyncRequest(ctx, req); err != nil {
				logger.Warn("scheduled replication not run", "config_id", req.Config.ID, "error", err)
			}
		})
	}

	logger.Info("daemon started",
		"pool_size", cfg.PoolSize,
		"reconcile_period", cfg.ReconcilePeriod,
		"replications", len(cfg.Replications),
	)

	// --- API (optional) ------------------------------------------------------

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP != nil {
		deps := server.Deps{
			Replicator: replicator,
			Sites:      a.store,
			Workers:    mgr,
			Logger:     logger,
		}
		if a.prometheus != nil {
			deps.Metrics = a.prometheus
		}
		handler := server.New(deps)
		g.Go(func() error {
			return server.Serve(gctx, cfg.HTTP.Listen, handler, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("daemon stopping")
	return err
}
