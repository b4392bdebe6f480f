package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/metrics"
	"conductor/internal/queue"
	"conductor/internal/scheduler"
)

func serverCmd() *cobra.Command {
	var addr, driver, dsn string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the task API and the background daemons",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if driver != "" {
				cfg.Database.Driver = driver
			}
			if dsn != "" {
				cfg.Database.URL = dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address")
	cmd.Flags().StringVar(&driver, "driver", "", "database driver (sqlite, postgres)")
	cmd.Flags().StringVar(&dsn, "db", "", "SQLite path or PostgreSQL connection string")
	return cmd
}

func runServer(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	dialect, err := queue.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}
	db, err := queue.Open(dialect, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := queue.EnsureSchema(ctx, db, dialect); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	local := events.NewLocal()
	var notifier events.Notifier = local
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		bridge, err := events.NewNATS(nc, cfg.NATS.Subject, local)
		if err != nil {
			return err
		}
		defer bridge.Close()
		notifier = bridge
		log.Info().Str("url", cfg.NATS.URL).Msg("relaying task events through NATS")
	}

	m := metrics.New()
	s := scheduler.New(queue.NewRepository(db, dialect), notifier, m)
	if err := upsertSchedules(ctx, s, cfg.Definitions.Schedules); err != nil {
		return err
	}

	daemons := scheduler.NewService(s, scheduler.Options{
		SweepInterval:    cfg.Server.SweepInterval,
		ScheduleInterval: cfg.Server.ScheduleInterval,
		CleanupInterval:  cfg.Server.CleanupInterval,
		RetentionDays:    cfg.Server.RetentionDays,
	})
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(s, m, api.Options{
			LongPollTimeout: cfg.Server.LongPollTimeout,
			EnableDebug:     cfg.Server.EnableDebug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemons.Start(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("db", dialect.String()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func upsertSchedules(ctx context.Context, s *scheduler.Scheduler, defs []config.ScheduleDef) error {
	now := time.Now()
	for _, def := range defs {
		props, err := def.Props(now)
		if err != nil {
			return err
		}
		sched, err := s.UpsertSchedule(ctx, props)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", def.Name, err)
		}
		log.Info().Str("schedule", sched.Name).Str("state", string(sched.State)).Msg("schedule declared")
	}
	return nil
}
