package configuration

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"resilience/internal/configuration/util"
)

const (
	DefaultDir = "internal/static"

	profileEnv = "RESILIENCE_PROFILE"
)

var ErrProfileNotSet = errors.New("profile is not set")

// Load reads application.yml from dir and overlays application-<profile>.yml.
// RESILIENCE_PROFILE overrides the profile named in the base file.
func Load(dir string) (*Properties, error) {
	cfg, err := loadBaseConfig(dir)
	if err != nil {
		return nil, err
	}

	if profile, ok := os.LookupEnv(profileEnv); ok && profile != "" {
		cfg.App.Profile = profile
	}
	if cfg.App.Profile == "" {
		return nil, ErrProfileNotSet
	}

	if err := loadProfileConfig(dir, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func loadBaseConfig(dir string) (*Properties, error) {
	baseConfig, err := util.LoadAndExpandYaml(dir, "application")
	if err != nil {
		slog.Error("error loading base config", "error", err)
		return nil, err
	}

	cfg := Properties{}
	if err := yaml.Unmarshal([]byte(baseConfig), &cfg); err != nil {
		slog.Error("error parsing base config", "error", err)
		return nil, fmt.Errorf("parse application.yml: %w", err)
	}

	return &cfg, nil
}

func loadProfileConfig(dir string, cfg *Properties) error {
	name := "application-" + cfg.App.Profile
	profileConfig, err := util.LoadAndExpandYaml(dir, name)
	if err != nil {
		slog.Error("error loading profile config", "profile", cfg.App.Profile, "error", err)
		return err
	}

	if err := yaml.Unmarshal([]byte(profileConfig), cfg); err != nil {
		slog.Error("error parsing profile config", "profile", cfg.App.Profile, "error", err)
		return fmt.Errorf("parse %s.yml: %w", name, err)
	}

	return nil
}

func applyDefaults(cfg *Properties) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.Runtime.FaultMode == "" {
		cfg.Runtime.FaultMode = "sync"
	}
	if cfg.Runtime.MinGroupSize <= 0 {
		cfg.Runtime.MinGroupSize = 1
	}
	if cfg.Runtime.AbortCode == 0 {
		cfg.Runtime.AbortCode = 1
	}
	if cfg.Runtime.SettleTimeout == 0 {
		cfg.Runtime.SettleTimeout = 1000
	}
	if cfg.Transport.Network == "" {
		cfg.Transport.Network = "tcp"
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 5000
	}
	if cfg.Transport.FaultQueueSize <= 0 {
		cfg.Transport.FaultQueueSize = 16
	}
	if cfg.Checkpoint.CacheSize <= 0 {
		cfg.Checkpoint.CacheSize = 8
	}
	if cfg.Simulation.Ranks <= 0 {
		cfg.Simulation.Ranks = 4
	}
	if cfg.Simulation.CheckpointEvery == 0 {
		cfg.Simulation.CheckpointEvery = 1
	}
}
