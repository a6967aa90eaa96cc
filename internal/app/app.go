// Package app wires the bridge components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/bobmcallan/vmbridge/internal/gateway"
	"github.com/bobmcallan/vmbridge/internal/handlers"
	"github.com/bobmcallan/vmbridge/internal/interfaces"
	"github.com/bobmcallan/vmbridge/internal/mcp"
	"github.com/bobmcallan/vmbridge/internal/registry"
	"github.com/bobmcallan/vmbridge/internal/storage"
	"github.com/bobmcallan/vmbridge/internal/telemetry"
	"github.com/bobmcallan/vmbridge/internal/vmservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App holds all application components and dependencies.
type App struct {
	Config *config.Config
	Logger *common.Logger

	Storage   interfaces.StorageManager
	Client    *vmservice.Client
	Gateway   *gateway.Gateway
	Registry  *registry.Registry
	Discovery *discovery.Driver
	Adapter   *mcp.Adapter

	Metrics         *telemetry.PrometheusMetrics
	MetricsRegistry *prometheus.Registry

	// HTTP handlers
	HealthHandler  *handlers.HealthHandler
	VersionHandler *handlers.VersionHandler
	StatusHandler  *handlers.StatusHandler
	MCPHandler     *mcp.Handler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool

	// endpoint is the VM service endpoint last applied from configuration.
	// Config.VMService keeps the startup value.
	endpointMu sync.Mutex
	endpoint   vmservice.Endpoint
}

// New initializes the application with all dependencies. Nothing connects
// until Start is called.
func New(cfg *config.Config, logger *common.Logger) (*App, error) {
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", issues)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		endpoint: vmservice.Endpoint{Host: cfg.VMService.Host, Port: cfg.VMService.Port, Path: cfg.VMService.Path},
	}

	store, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.Storage = store

	a.initMetrics()

	clientOpts := vmservice.Options{
		ConnectTimeout: cfg.VMService.GetConnectTimeout(),
		CallTimeout:    cfg.VMService.GetCallTimeout(),
	}
	var regOpts []registry.Option
	var discoveryObserver discovery.Observer
	if a.Metrics != nil {
		clientOpts.Observer = a.Metrics
		regOpts = append(regOpts, registry.WithObserver(a.Metrics))
		discoveryObserver = a.Metrics
	}

	a.Client = vmservice.NewClient(logger, clientOpts)
	a.Gateway = gateway.New(a.Client, cfg.Discovery.ExtensionPrefix, logger)
	a.Registry = registry.New(a.Gateway, logger, regOpts...)
	a.Discovery = discovery.New(a.Client, a.Gateway, a.Registry, logger, discovery.Options{
		Target:             a.endpoint,
		RegistrationMethod: cfg.Discovery.RegistrationMethodName(),
		ChangeEventKind:    cfg.Discovery.ChangeEventKind,
		Debounce:           cfg.Discovery.GetDebounce(),
		RetryInitial:       cfg.Discovery.GetRetryInitial(),
		RetryMaxElapsed:    cfg.Discovery.GetRetryMaxElapsed(),
		Observer:           discoveryObserver,
		Endpoints:          store.EndpointStore(),
	})
	a.Adapter = mcp.NewAdapter(cfg.Server.Name, a.Registry, a.Discovery, logger)

	a.initHandlers()

	logger.Info().
		Str("transport", cfg.Server.Transport).
		Str("vm_service", cfg.VMService.Address()).
		Str("prefix", cfg.Discovery.ExtensionPrefix).
		Msg("application initialization complete")

	return a, nil
}

func (a *App) initMetrics() {
	if !a.Config.Metrics.Enabled {
		return
	}
	a.MetricsRegistry = prometheus.NewRegistry()
	a.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = telemetry.NewPrometheusMetrics(a.MetricsRegistry)
}

// initHandlers initializes all HTTP handlers.
func (a *App) initHandlers() {
	a.HealthHandler = handlers.NewHealthHandler(a.Logger, a.Client.Connected)
	a.VersionHandler = handlers.NewVersionHandler(a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Logger, a.Discovery, a.Registry)
	a.MCPHandler = mcp.NewHandler(a.Adapter, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// Start begins discovery and registry mirroring. Both stop when ctx is
// cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Discovery.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Adapter.Run(ctx)
	}()
	return nil
}

// Retarget applies the VM service endpoint of a reloaded config. It returns
// the previously applied endpoint and false when the endpoint is unchanged.
// An endpoint chosen through connect_vm_service is kept until the configured
// one changes.
func (a *App) Retarget(cfg *config.Config) (vmservice.Endpoint, bool) {
	next := vmservice.Endpoint{Host: cfg.VMService.Host, Port: cfg.VMService.Port, Path: cfg.VMService.Path}

	a.endpointMu.Lock()
	prev := a.endpoint
	if prev == next {
		a.endpointMu.Unlock()
		return prev, false
	}
	a.endpoint = next
	a.endpointMu.Unlock()

	a.Discovery.SetTarget(next.Host, next.Port, next.Path)
	return prev, true
}

// Close stops background work and releases all resources.
func (a *App) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.cancel != nil {
		a.cancel()
		<-a.Discovery.Stopped()
	}
	a.Client.Close()
	a.Registry.Dispose()
	a.wg.Wait()

	var errs []error
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	a.Logger.Info().Msg("application closed")
	return errors.Join(errs...)
}
