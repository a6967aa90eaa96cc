package config

import "github.com/bobmcallan/vmbridge/internal/common"

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      "vmbridge",
			Transport: "stdio",
			Host:      "localhost",
			Port:      4250,
		},
		VMService: VMServiceConfig{
			Host:           "127.0.0.1",
			Port:           8181,
			Path:           "/ws",
			ConnectTimeout: "100s",
			CallTimeout:    "30s",
		},
		Discovery: DiscoveryConfig{
			ExtensionPrefix:    "ext.mcp.toolkit",
			RegistrationMethod: "registerDynamics",
			ChangeEventKind:    "MCPToolkit.ToolRegistration",
			Debounce:           "250ms",
			RetryInitial:       "500ms",
			RetryMaxElapsed:    "30s",
		},
		Storage: StorageConfig{
			Path: "./data/vmbridge.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: common.LoggingConfig{
			Level:      "info",
			Outputs:    []string{"console", "file"},
			FilePath:   "logs/vmbridge.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}
