package configuration

type ConfigProvider interface {
	GetApplication() *AppConfigurationProperties
	GetRuntime() *RuntimeConfigurationProperties
	GetTransport() *TransportConfigurationProperties
	GetCheckpoint() *CheckpointConfigurationProperties
	GetMetrics() *MetricsConfigurationProperties
	GetSimulation() *SimulationConfigurationProperties
}

type AppConfigProvider struct {
	config *Properties
}

func NewProvider(cfg *Properties) *AppConfigProvider {
	return &AppConfigProvider{config: cfg}
}

func (c *AppConfigProvider) GetApplication() *AppConfigurationProperties {
	return &c.config.App
}

func (c *AppConfigProvider) GetRuntime() *RuntimeConfigurationProperties {
	return &c.config.Runtime
}

func (c *AppConfigProvider) GetTransport() *TransportConfigurationProperties {
	return &c.config.Transport
}

func (c *AppConfigProvider) GetCheckpoint() *CheckpointConfigurationProperties {
	return &c.config.Checkpoint
}

func (c *AppConfigProvider) GetMetrics() *MetricsConfigurationProperties {
	return &c.config.Metrics
}

func (c *AppConfigProvider) GetSimulation() *SimulationConfigurationProperties {
	return &c.config.Simulation
}
