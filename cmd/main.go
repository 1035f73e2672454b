package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"resilience/internal/configuration"
	"resilience/internal/demo"
	"resilience/internal/fault"
	"resilience/internal/logging"
	"resilience/internal/metrics"
	"resilience/internal/reinit"
	"resilience/internal/transport/local"
	"resilience/internal/transport/rpc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var abortErr *fault.AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Code
	}
	return 1
}

func newRootCommand() *cobra.Command {
	var (
		configDir string
		logLevel  string
		cfg       *configuration.Properties
	)

	root := &cobra.Command{
		Use:           "resilience",
		Short:         "Run fault-tolerant process groups with global restart recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = configuration.Load(configDir); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if logLevel != "" {
				cfg.App.LogLevel = logLevel
			}
			logging.Init(cfg.App.LogLevel)
			slog.Info("configuration loaded", "profile", cfg.App.Profile, "dir", configDir)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", configuration.DefaultDir, "directory holding application.yml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	config := func() *configuration.Properties { return cfg }
	root.AddCommand(
		newHubCommand(config),
		newRankCommand(config),
		newSimulateCommand(config),
	)
	return root
}

func newHubCommand(config func() *configuration.Properties) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Serve the group transport for ranks in other processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config()
			tc := &cfg.Transport

			hub := local.NewHub(local.WithFaultQueueSize(tc.FaultQueueSize))

			if cfg.Metrics.Enabled {
				metricsServer := metrics.NewServer(cfg.Metrics.Addr(), hubHealth(hub))
				if err := metricsServer.Start(); err != nil {
					return err
				}
				defer metricsServer.Stop()
			}

			server := rpc.NewServer(hub, tc.TimeoutDuration())
			if _, err := server.Start(tc.Network, tc.Addr(), tc.MaxConcurrentStreams); err != nil {
				return fmt.Errorf("start group hub: %w", err)
			}

			slog.Info("group hub ready", "addr", tc.Addr())
			<-cmd.Context().Done()

			slog.Info("shutting down group hub")
			server.Stop()
			return nil
		},
	}
}

func newRankCommand(config func() *configuration.Properties) *cobra.Command {
	var (
		rank    int
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Join a group hub and run the demo application as one rank",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg := config()

			services, err := NewServices(cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, services.Close()) }()

			rcfg, err := services.RuntimeConfig()
			if err != nil {
				return err
			}

			conn, err := rpc.Dial(cfg.Transport.Addr())
			if err != nil {
				return fmt.Errorf("dial group hub: %w", err)
			}
			client, err := rpc.Join(ctx, conn, rank, replace, cfg.Transport.FaultQueueSize)
			if err != nil {
				return multierr.Append(fmt.Errorf("join group: %w", err), conn.Close())
			}

			app := demo.New(services.AppConfig(), nil)
			runErr := reinit.New(client, services.Durable, rcfg).Reinit(ctx, app.Entry, cfg.Runtime.DefaultStep)
			if errors.Is(runErr, fault.ErrProcessLost) {
				slog.Warn("rank left the group", "rank", client.Rank())
				return runErr
			}
			return multierr.Append(runErr, client.Close())
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 0, "rank to take over when --replace is set")
	cmd.Flags().BoolVar(&replace, "replace", false, "join as the replacement of a lost rank")
	return cmd
}

func newSimulateCommand(config func() *configuration.Properties) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a whole group in this process, injecting the configured faults",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg := config()

			hub := local.NewHub(local.WithFaultQueueSize(cfg.Transport.FaultQueueSize))

			services, err := NewServices(cfg, hubHealth(hub))
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, services.Close()) }()

			rcfg, err := services.RuntimeConfig()
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)

			var app *demo.App
			run := func(e *local.Endpoint) {
				g.Go(func() error {
					rank := e.Rank()
					err := reinit.New(e, services.Durable, rcfg).Reinit(gctx, app.Entry, cfg.Runtime.DefaultStep)
					err = multierr.Append(err, e.Close())
					if errors.Is(err, fault.ErrProcessLost) {
						slog.Info("crashed rank exited", "rank", rank)
						return nil
					}
					return err
				})
			}

			app = demo.New(services.AppConfig(), func(_ context.Context, rank int) error {
				if err := hub.Kill(rank); err != nil {
					return err
				}
				e, err := hub.Replace(rank)
				if err != nil {
					return err
				}
				run(e)
				return nil
			})

			endpoints := make([]*local.Endpoint, cfg.Simulation.Ranks)
			for i := range endpoints {
				endpoints[i] = hub.Spawn()
			}
			for _, e := range endpoints {
				run(e)
			}

			if err := g.Wait(); err != nil {
				return err
			}

			results := app.Results()
			for rank := 0; rank < cfg.Simulation.Ranks; rank++ {
				want := demo.Expected(rank, cfg.Simulation.Steps)
				if results[rank] != want {
					return fmt.Errorf("rank %d finished with %d, want %d", rank, results[rank], want)
				}
			}
			slog.Info("simulation finished", "ranks", cfg.Simulation.Ranks, "generation", hub.Generation())
			return nil
		},
	}
}
