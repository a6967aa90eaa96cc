package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig         `toml:"server"`
	VMService VMServiceConfig      `toml:"vm_service"`
	Discovery DiscoveryConfig      `toml:"discovery"`
	Storage   StorageConfig        `toml:"storage"`
	Metrics   MetricsConfig        `toml:"metrics"`
	Logging   common.LoggingConfig `toml:"logging"`
}

// ServerConfig contains MCP server settings.
// Transport is "stdio" or "http".
type ServerConfig struct {
	Name      string `toml:"name"`
	Transport string `toml:"transport"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
}

// VMServiceConfig contains the instrumentation backend endpoint.
// Port 0 means "use the last endpoint remembered in storage".
type VMServiceConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Path           string `toml:"path"`
	ConnectTimeout string `toml:"connect_timeout"`
	CallTimeout    string `toml:"call_timeout"`
}

// DiscoveryConfig controls when and how capabilities are pulled from the remote app.
type DiscoveryConfig struct {
	ExtensionPrefix    string `toml:"extension_prefix"`
	RegistrationMethod string `toml:"registration_method"`
	ChangeEventKind    string `toml:"change_event_kind"`
	Debounce           string `toml:"debounce"`
	RetryInitial       string `toml:"retry_initial"`
	RetryMaxElapsed    string `toml:"retry_max_elapsed"`
}

// StorageConfig contains the endpoint store settings.
type StorageConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig toggles the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// GetConnectTimeout parses the connect timeout, defaulting to 100s.
func (c *VMServiceConfig) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 100*time.Second)
}

// GetCallTimeout parses the per-call timeout, defaulting to 30s.
func (c *VMServiceConfig) GetCallTimeout() time.Duration {
	return parseDuration(c.CallTimeout, 30*time.Second)
}

// Address returns host:port of the VM service.
func (c *VMServiceConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDebounce parses the change-notification debounce window, defaulting to 250ms.
func (c *DiscoveryConfig) GetDebounce() time.Duration {
	return parseDuration(c.Debounce, 250*time.Millisecond)
}

// GetRetryInitial parses the first retry delay after a failed pull, defaulting to 500ms.
func (c *DiscoveryConfig) GetRetryInitial() time.Duration {
	return parseDuration(c.RetryInitial, 500*time.Millisecond)
}

// GetRetryMaxElapsed parses the retry budget after a failed pull, defaulting to 30s.
func (c *DiscoveryConfig) GetRetryMaxElapsed() time.Duration {
	return parseDuration(c.RetryMaxElapsed, 30*time.Second)
}

// RegistrationMethodName returns the fully-qualified registration extension method.
func (c *DiscoveryConfig) RegistrationMethodName() string {
	if strings.Contains(c.RegistrationMethod, ".") {
		return c.RegistrationMethod
	}
	return c.ExtensionPrefix + "." + c.RegistrationMethod
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.Server.Transport = strings.ToLower(strings.TrimSpace(config.Server.Transport))

	return config, nil
}

// applyEnvOverrides applies VMBRIDGE_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if transport := os.Getenv("VMBRIDGE_TRANSPORT"); transport != "" {
		config.Server.Transport = transport
	}
	if host := os.Getenv("VMBRIDGE_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("VMBRIDGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VMBRIDGE_VM_HOST"); host != "" {
		config.VMService.Host = host
	}
	if port := os.Getenv("VMBRIDGE_VM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.VMService.Port = p
		}
	}
	if path := os.Getenv("VMBRIDGE_VM_PATH"); path != "" {
		config.VMService.Path = path
	}
	if prefix := os.Getenv("VMBRIDGE_EXTENSION_PREFIX"); prefix != "" {
		config.Discovery.ExtensionPrefix = prefix
	}
	if path := os.Getenv("VMBRIDGE_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if level := os.Getenv("VMBRIDGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, transport string, port int, vmHost string, vmPort int) {
	if transport != "" {
		config.Server.Transport = strings.ToLower(transport)
	}
	if port > 0 {
		config.Server.Port = port
	}
	if vmHost != "" {
		config.VMService.Host = vmHost
	}
	if vmPort > 0 {
		config.VMService.Port = vmPort
	}
}

// Validate returns a list of configuration problems. An empty list means the
// configuration is usable.
func (c *Config) Validate() []string {
	var issues []string
	switch c.Server.Transport {
	case "stdio":
	case "http":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			issues = append(issues, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	default:
		issues = append(issues, fmt.Sprintf("server.transport %q must be \"stdio\" or \"http\"", c.Server.Transport))
	}
	if strings.TrimSpace(c.VMService.Host) == "" {
		issues = append(issues, "vm_service.host is required")
	}
	if c.VMService.Port < 0 || c.VMService.Port > 65535 {
		issues = append(issues, fmt.Sprintf("vm_service.port %d is out of range", c.VMService.Port))
	}
	if !strings.HasPrefix(c.VMService.Path, "/") {
		issues = append(issues, fmt.Sprintf("vm_service.path %q must start with /", c.VMService.Path))
	}
	if strings.TrimSpace(c.Discovery.ExtensionPrefix) == "" {
		issues = append(issues, "discovery.extension_prefix is required")
	}
	if strings.TrimSpace(c.Discovery.RegistrationMethod) == "" {
		issues = append(issues, "discovery.registration_method is required")
	}
	return issues
}
