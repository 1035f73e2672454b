package main

import (
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"resilience/internal/checkpoint"
	"resilience/internal/configuration"
	"resilience/internal/demo"
	"resilience/internal/domain"
	"resilience/internal/membership"
	"resilience/internal/metrics"
	"resilience/internal/reinit"
	"resilience/internal/transport/local"
)

type Services struct {
	Config  configuration.ConfigProvider
	Durable *checkpoint.DurableStore
	Metrics *metrics.Server
}

func NewServices(cfg *configuration.Properties, checks ...metrics.HealthCheck) (*Services, error) {
	provider := configuration.NewProvider(cfg)

	ckpt := provider.GetCheckpoint()
	durable, err := checkpoint.OpenDurableStore(ckpt.Dir, ckpt.Wal.NoSync)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	s := &Services{Config: provider, Durable: durable}
	if m := provider.GetMetrics(); m.Enabled {
		s.Metrics = metrics.NewServer(m.Addr(), checks...)
		if err := s.Metrics.Start(); err != nil {
			return nil, multierr.Append(err, durable.Close())
		}
	}
	return s, nil
}

// hubHealth fails once the group hosted by hub has aborted.
func hubHealth(hub *local.Hub) metrics.HealthCheck {
	return func() error {
		if n, ok := hub.Aborted(); ok {
			return fmt.Errorf("group aborted by rank %d (code %d): %s", n.Origin, n.Code, n.Reason)
		}
		return nil
	}
}

func (s *Services) RuntimeConfig() (reinit.Config, error) {
	rt := s.Config.GetRuntime()
	mode, err := domain.ParseFaultMode(rt.FaultMode)
	if err != nil {
		return reinit.Config{}, err
	}

	ckpt := s.Config.GetCheckpoint()
	return reinit.Config{
		FaultMode:     mode,
		SizePolicy:    membership.MinSize(rt.MinGroupSize),
		AbortCode:     rt.AbortCode,
		SettleTimeout: rt.SettleDuration(),
		Checkpoint: checkpoint.ManagerConfig{
			CacheSize: ckpt.CacheSize,
			Replicate: ckpt.Replicate,
			Retain:    ckpt.Retain,
		},
	}, nil
}

func (s *Services) AppConfig() demo.Config {
	sim := s.Config.GetSimulation()
	return demo.Config{
		Steps:           sim.Steps,
		CheckpointEvery: sim.CheckpointEvery,
		StepDelay:       sim.StepDelayDuration(),
		KillRank:        sim.KillRank,
		KillAtStep:      sim.KillAtStep,
		FaultRank:       sim.FaultRank,
		FaultAtStep:     sim.FaultAtStep,
	}
}

func (s *Services) Close() error {
	if s.Metrics != nil {
		s.Metrics.Stop()
	}
	err := s.Durable.Close()
	if err != nil {
		slog.Error("failed to close checkpoint store", "error", err)
	}
	return err
}
