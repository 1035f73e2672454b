package configuration

import (
	"net"
	"time"
)

type Properties struct {
	App        AppConfigurationProperties        `yaml:"app"`
	Runtime    RuntimeConfigurationProperties    `yaml:"runtime"`
	Transport  TransportConfigurationProperties  `yaml:"transport"`
	Checkpoint CheckpointConfigurationProperties `yaml:"checkpoint"`
	Metrics    MetricsConfigurationProperties    `yaml:"metrics"`
	Simulation SimulationConfigurationProperties `yaml:"simulation"`
}

type AppConfigurationProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

type RuntimeConfigurationProperties struct {
	FaultMode     string `yaml:"fault-mode"`
	MinGroupSize  int    `yaml:"min-group-size"`
	AbortCode     int    `yaml:"abort-code"`
	SettleTimeout uint64 `yaml:"settle-timeout"`
	DefaultStep   uint64 `yaml:"default-step"`
}

type TransportConfigurationProperties struct {
	Network              string `yaml:"network"`
	Address              string `yaml:"address"`
	Port                 string `yaml:"port"`
	Timeout              uint64 `yaml:"timeout"`
	MaxConcurrentStreams uint32 `yaml:"max-concurrent-streams"`
	FaultQueueSize       int    `yaml:"fault-queue-size"`
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type CheckpointConfigurationProperties struct {
	Dir       string                  `yaml:"dir"`
	CacheSize int                     `yaml:"cache-size"`
	Replicate bool                    `yaml:"replicate"`
	Retain    int                     `yaml:"retain"`
	Wal       WriteAheadLogProperties `yaml:"wal"`
}

type MetricsConfigurationProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    string `yaml:"port"`
}

// SimulationConfigurationProperties drives the in-process demo group.
type SimulationConfigurationProperties struct {
	Ranks           int    `yaml:"ranks"`
	Steps           uint64 `yaml:"steps"`
	CheckpointEvery uint64 `yaml:"checkpoint-every"`
	KillRank        int    `yaml:"kill-rank"`
	KillAtStep      uint64 `yaml:"kill-at-step"`
	FaultRank       int    `yaml:"fault-rank"`
	FaultAtStep     uint64 `yaml:"fault-at-step"`
	StepDelay       uint64 `yaml:"step-delay"`
}

func (c *TransportConfigurationProperties) Addr() string {
	return net.JoinHostPort(c.Address, c.Port)
}

func (c *TransportConfigurationProperties) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *MetricsConfigurationProperties) Addr() string {
	return net.JoinHostPort(c.Address, c.Port)
}

func (c *RuntimeConfigurationProperties) SettleDuration() time.Duration {
	return time.Duration(c.SettleTimeout) * time.Millisecond
}

func (c *SimulationConfigurationProperties) StepDelayDuration() time.Duration {
	return time.Duration(c.StepDelay) * time.Millisecond
}
