package main

import (
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/handlers"
	httprunner "conductor/internal/handlers/http"
	"conductor/internal/handlers/shell"
	"conductor/internal/orchestrator"
	"conductor/internal/worker"
)

func workerCmd() *cobra.Command {
	var url string
	var groups []string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process tasks of one or more group keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Worker.OrchestratorURL = url
			}
			if len(groups) > 0 {
				cfg.Worker.Groups = groups
			}
			if concurrency > 0 {
				cfg.Worker.MaxConcurrency = concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
	cmd.Flags().StringVar(&url, "orchestrator-url", "", "base URL of the conductor server")
	cmd.Flags().StringSliceVar(&groups, "groups", nil, "group keys to process, a trailing * matches a prefix")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max tasks running at once per group key")
	return cmd
}

func newRunner(cfg config.WorkerConfig) (handlers.Runner, error) {
	if cfg.RunnerURL != "" {
		return httprunner.New(cfg.RunnerURL, cfg.RunnerTimeout, nil), nil
	}
	if fields := strings.Fields(cfg.RunnerCommand); len(fields) > 0 {
		return shell.Runner{Command: fields[0], Args: fields[1:]}, nil
	}
	return nil, errors.New("a runner is required: set RUNNER_URL or RUNNER_COMMAND")
}

func runWorker(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	runner, err := newRunner(cfg.Worker)
	if err != nil {
		return err
	}
	runs, err := handlers.OpenBoltRunStore(cfg.Worker.RunStorePath)
	if err != nil {
		return err
	}
	defer runs.Close()

	registry := worker.NewRegistry()
	catalog := handlers.NewCatalog(cfg.Definitions.Catalog())
	router := handlers.NewRouter(catalog, catalog, runner, runs, registry)
	client := orchestrator.NewClient(cfg.Worker.OrchestratorURL)

	log.Info().Str("orchestrator", cfg.Worker.OrchestratorURL).Strs("groups", cfg.Worker.Groups).Msg("worker starting")

	g, ctx := errgroup.WithContext(ctx)
	for _, group := range cfg.Worker.Groups {
		p := worker.NewProcessor(client, router, registry, worker.Options{
			GroupKey:          group,
			MaxConcurrency:    cfg.Worker.MaxConcurrency,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		})
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	return g.Wait()
}
