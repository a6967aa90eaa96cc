package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobmcallan/vmbridge/internal/app"
	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	transport   = flag.String("transport", "", "MCP transport: stdio or http (overrides config)")
	serverPort  = flag.Int("port", 0, "HTTP port (overrides config)")
	serverPortP = flag.Int("p", 0, "HTTP port (shorthand)")
	vmHost      = flag.String("vm-host", "", "VM service host (overrides config)")
	vmPort      = flag.Int("vm-port", 0, "VM service port (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()
	common.LoadVersionFromFile()

	if *showVersion {
		fmt.Printf("vmbridge version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	if len(configFiles) == 0 {
		for _, path := range configSearchPaths() {
			if _, err := os.Stat(path); err == nil {
				configFiles = append(configFiles, path)
				break
			}
		}
	}

	cfg, err := loadConfig(finalPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if issues := cfg.Validate(); len(issues) > 0 {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Configuration error:")
		fmt.Fprintln(os.Stderr, "")
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Values can be set via TOML file, VMBRIDGE_* environment variables, or CLI flags.")
		fmt.Fprintln(os.Stderr, "")
		os.Exit(1)
	}

	logger := common.NewLoggerFromConfig(cfg.Logging)

	logger.Info().
		Str("version", common.GetVersion()).
		Str("transport", cfg.Server.Transport).
		Str("vm_service", cfg.VMService.Address()).
		Str("config_files", fmt.Sprintf("%v", configFiles)).
		Msg("configuration loaded")

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start application")
		application.Close()
		os.Exit(1)
	}

	if len(configFiles) > 0 {
		go watchConfig(ctx, application, finalPort)
	}

	switch cfg.Server.Transport {
	case "stdio":
		runStdio(ctx, application)
	default:
		runHTTP(ctx, application)
	}

	if err := application.Close(); err != nil {
		logger.Error().Err(err).Msg("application shutdown failed")
	}
	logger.Info().Msg("vmbridge stopped")
}

func loadConfig(port int) (*config.Config, error) {
	cfg, err := config.LoadFromFiles(configFiles...)
	if err != nil {
		return nil, err
	}
	config.ApplyFlagOverrides(cfg, *transport, port, *vmHost, *vmPort)
	return cfg, nil
}

// runStdio serves MCP on stdin/stdout until the client closes stdin or a
// signal arrives.
func runStdio(ctx context.Context, application *app.App) {
	logger := application.Logger
	err := application.Adapter.ServeStdio(ctx, os.Stdin, os.Stdout)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info().Msg("stdio session ended")
	default:
		logger.Error().Err(err).Msg("stdio transport failed")
	}
}

// runHTTP serves the streamable HTTP endpoint until a signal arrives.
func runHTTP(ctx context.Context, application *app.App) {
	logger := application.Logger
	srv := server.New(application)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
}

// watchConfig reloads the configuration files on change and applies a new
// VM service endpoint. Other settings need a restart.
func watchConfig(ctx context.Context, application *app.App, port int) {
	logger := application.Logger
	for range config.Watch(ctx, logger, configFiles...) {
		cfg, err := loadConfig(port)
		if err != nil {
			logger.Warn().Err(err).Msg("config reload failed, keeping current settings")
			continue
		}
		if issues := cfg.Validate(); len(issues) > 0 {
			logger.Warn().Str("issues", fmt.Sprintf("%v", issues)).Msg("reloaded config is invalid, keeping current settings")
			continue
		}
		prev, changed := application.Retarget(cfg)
		if !changed {
			logger.Debug().Msg("config reloaded, VM service endpoint unchanged")
			continue
		}
		logger.Info().
			Str("from", prev.URL()).
			Str("to", cfg.VMService.Address()).
			Msg("VM service endpoint changed")
	}
}

// configSearchPaths returns TOML files to auto-discover (first match wins).
// Binary-relative paths are tried first, then the working directory.
func configSearchPaths() []string {
	candidates := []string{
		"vmbridge.toml",
		"config/vmbridge.toml",
	}

	exe, err := os.Executable()
	if err != nil {
		return candidates
	}
	binDir := filepath.Dir(exe)

	paths := []string{
		filepath.Join(binDir, "vmbridge.toml"),
		filepath.Join(binDir, "config", "vmbridge.toml"),
	}
	paths = append(paths, candidates...)

	seen := make(map[string]bool, len(paths))
	deduped := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		deduped = append(deduped, p)
	}
	return deduped
}
