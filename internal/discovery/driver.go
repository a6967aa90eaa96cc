// Package discovery keeps the registry in step with the connected app. It
// owns the VM service connection lifecycle: connect with backoff, subscribe
// to change notifications, pull the app's capabilities on connect and on
// change, and reconnect when the connection drops.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/interfaces"
	"github.com/bobmcallan/vmbridge/internal/registry"
	"github.com/bobmcallan/vmbridge/internal/vmservice"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// ErrMissingAppID is returned when a registration response carries no appId.
var ErrMissingAppID = errors.New("registration response has no appId")

const (
	defaultRegistrationMethod = "ext.mcp.toolkit.registerDynamics"
	defaultChangeEventKind    = "MCPToolkit.ToolRegistration"
	defaultDebounce           = 250 * time.Millisecond
	defaultRetryInitial       = 500 * time.Millisecond
	defaultRetryMaxElapsed    = 30 * time.Second
	reconnectMaxInterval      = 10 * time.Second
)

// State is the registration state of the driver.
type State int

const (
	StateIdle State = iota
	StateRegistrationInFlight
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateRegistrationInFlight:
		return "registration_in_flight"
	case StateRegistered:
		return "registered"
	default:
		return "idle"
	}
}

// Connector is the subset of vmservice.Client the driver uses.
type Connector interface {
	Connect(ctx context.Context, host string, port int, path string) error
	Disconnect()
	StreamListen(ctx context.Context, streamID string) error
	Subscribe() (<-chan vmservice.Event, func())
	Done() <-chan struct{}
	Endpoint() (vmservice.Endpoint, bool)
	Generation() uint64
}

// ExtensionCaller is the subset of gateway.Gateway the driver uses.
type ExtensionCaller interface {
	CallExtension(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	Port() int
	HandleEvent(evt vmservice.Event)
	Invalidate()
}

// Sink receives the result of every successful pull.
type Sink interface {
	ReplaceApp(appID string, port int, tools []registry.Tool, resources []registry.Resource) error
}

// Observer receives discovery measurements.
type Observer interface {
	ObservePull(d time.Duration, err error)
	SetConnected(connected bool)
}

// Options configures a Driver. Zero values select the defaults.
type Options struct {
	Target             vmservice.Endpoint
	RegistrationMethod string
	ChangeEventKind    string
	Debounce           time.Duration
	RetryInitial       time.Duration
	RetryMaxElapsed    time.Duration
	Observer           Observer
	Endpoints          interfaces.EndpointStore
}

// Result summarises one pull.
type Result struct {
	AppID     string
	Port      int
	Tools     int
	Resources int
	Skipped   int
}

// Status is a point-in-time view of the driver.
type Status struct {
	State     string             `json:"state"`
	Target    vmservice.Endpoint `json:"target"`
	Connected bool               `json:"connected"`
	LastPull  time.Time          `json:"last_pull,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	AppID     string             `json:"app_id,omitempty"`
}

type registration struct {
	AppID     string            `json:"appId"`
	Tools     []json.RawMessage `json:"tools"`
	Resources []json.RawMessage `json:"resources"`
}

var errRetarget = errors.New("target changed")

// Driver runs discovery for one VM service target at a time.
type Driver struct {
	client Connector
	gw     ExtensionCaller
	sink   Sink
	logger *common.Logger
	opts   Options

	group    singleflight.Group
	changes  atomic.Uint64
	retarget chan struct{}
	stopped  chan struct{}

	mu          sync.Mutex
	state       State
	target      vmservice.Endpoint
	connected   bool
	debounce    *time.Timer
	retryCancel context.CancelFunc
	lastPull    time.Time
	lastErr     error
	appID       string
	started     bool
	switching   chan struct{}
}

// New creates a Driver. Call Start to begin connecting.
func New(client Connector, gw ExtensionCaller, sink Sink, logger *common.Logger, opts Options) *Driver {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if opts.RegistrationMethod == "" {
		opts.RegistrationMethod = defaultRegistrationMethod
	}
	if opts.ChangeEventKind == "" {
		opts.ChangeEventKind = defaultChangeEventKind
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = defaultRetryInitial
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	return &Driver{
		client:   client,
		gw:       gw,
		sink:     sink,
		logger:   logger,
		opts:     opts,
		target:   opts.Target,
		retarget: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// Start launches the connection supervisor and returns immediately. The
// supervisor stops when ctx is cancelled. Start may be called once.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("discovery already started")
	}
	d.started = true
	d.mu.Unlock()

	d.resolveRememberedTarget(ctx)

	events, cancel := d.client.Subscribe()
	go d.handleEvents(ctx, events)
	go func() {
		defer close(d.stopped)
		defer cancel()
		d.run(ctx)
	}()
	return nil
}

// Stopped is closed once the supervisor has exited.
func (d *Driver) Stopped() <-chan struct{} { return d.stopped }

func (d *Driver) resolveRememberedTarget(ctx context.Context) {
	d.mu.Lock()
	port := d.target.Port
	d.mu.Unlock()
	if port != 0 || d.opts.Endpoints == nil {
		return
	}
	rec, ok, err := d.opts.Endpoints.LastEndpoint(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to read remembered endpoint")
		return
	}
	if !ok {
		return
	}
	d.mu.Lock()
	d.target = vmservice.Endpoint{Host: rec.Host, Port: rec.Port, Path: rec.Path}
	d.mu.Unlock()
	d.logger.Info().Str("endpoint", d.Target().URL()).Str("app", rec.AppID).Msg("using remembered vm service endpoint")
}

// Target returns the endpoint the driver connects to.
func (d *Driver) Target() vmservice.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// SetTarget switches to a new endpoint. The current connection, if any, is
// dropped and the supervisor connects to the new one.
func (d *Driver) SetTarget(host string, port int, path string) {
	ep := vmservice.Endpoint{Host: host, Port: port, Path: path}
	d.mu.Lock()
	if d.target == ep {
		d.mu.Unlock()
		return
	}
	d.target = ep
	d.mu.Unlock()

	d.logger.Info().Str("endpoint", ep.URL()).Msg("vm service target changed")
	select {
	case d.retarget <- struct{}{}:
	default:
	}
}

// Connect switches to the given endpoint and waits for the connection. The
// supervisor keeps the new connection as is; callers pull once Connect
// returns.
func (d *Driver) Connect(ctx context.Context, host string, port int, path string) error {
	done := make(chan struct{})
	d.mu.Lock()
	d.switching = done
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.switching == done {
			d.switching = nil
		}
		d.mu.Unlock()
		close(done)
	}()

	d.SetTarget(host, port, path)
	return d.client.Connect(ctx, host, port, path)
}

func (d *Driver) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		target := d.Target()
		if target.Port == 0 {
			d.logger.Info().Msg("no vm service endpoint configured; waiting for connect_vm_service")
			select {
			case <-d.retarget:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := d.connect(ctx, target); err != nil {
			continue
		}
		gen := d.client.Generation()
		d.onConnected(ctx)
		if !d.supervise(ctx, gen) {
			return
		}
	}
}

// supervise waits for connection gen to end or the target to change. A
// connection Connect opened to the new target is adopted without a
// disconnect. It returns false once ctx ends.
func (d *Driver) supervise(ctx context.Context, gen uint64) bool {
	for {
		select {
		case <-d.client.Done():
		case <-d.retarget:
		case <-ctx.Done():
			d.onDisconnected()
			return false
		}
		d.awaitSwitch(ctx)

		if ep, ok := d.client.Endpoint(); ok && ep == d.Target() {
			if next := d.client.Generation(); next != gen {
				gen = next
				d.logger.Debug().Str("endpoint", ep.URL()).Msg("adopted vm service connection")
				d.subscribe(ctx)
			}
			continue
		}
		d.client.Disconnect()
		d.onDisconnected()
		return true
	}
}

// awaitSwitch blocks while Connect is replacing the connection.
func (d *Driver) awaitSwitch(ctx context.Context) {
	d.mu.Lock()
	sw := d.switching
	d.mu.Unlock()
	if sw == nil {
		return
	}
	select {
	case <-sw:
	case <-ctx.Done():
	}
}

// connect dials target until it succeeds, the target changes or ctx ends.
func (d *Driver) connect(ctx context.Context, target vmservice.Endpoint) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryInitial
	b.MaxInterval = reconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := d.client.Connect(ctx, target.Host, target.Port, target.Path)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		if attempt == 1 {
			d.logger.Warn().Str("endpoint", target.URL()).Err(err).Dur("retry_in", wait).Msg("vm service unreachable; retrying")
		} else {
			d.logger.Debug().Str("endpoint", target.URL()).Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("vm service connect failed")
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-d.retarget:
			timer.Stop()
			return errRetarget
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (d *Driver) onConnected(ctx context.Context) {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	if d.opts.Observer != nil {
		d.opts.Observer.SetConnected(true)
	}
	d.subscribe(ctx)
	d.pullWithRetry(ctx)
}

// subscribe listens to the streams that carry change notifications. Each
// connection needs its own subscriptions.
func (d *Driver) subscribe(ctx context.Context) {
	for _, stream := range []string{vmservice.StreamExtension, vmservice.StreamIsolate} {
		if err := d.client.StreamListen(ctx, stream); err != nil {
			d.logger.Warn().Str("stream", stream).Err(err).Msg("stream subscription failed")
		}
	}
}

func (d *Driver) onDisconnected() {
	d.mu.Lock()
	d.connected = false
	d.state = StateIdle
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
	if d.retryCancel != nil {
		d.retryCancel()
		d.retryCancel = nil
	}
	d.mu.Unlock()

	d.gw.Invalidate()
	if d.opts.Observer != nil {
		d.opts.Observer.SetConnected(false)
	}
	d.logger.Info().Msg("vm service disconnected; registrations kept until the next pull")
}

func (d *Driver) handleEvents(ctx context.Context, events <-chan vmservice.Event) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.gw.HandleEvent(evt)
			if d.isChangeNotification(evt) {
				d.changes.Add(1)
				d.logger.Debug().Str("kind", evt.Kind).Str("extension_kind", evt.ExtensionKind).Msg("change notification received")
				d.schedulePull(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) isChangeNotification(evt vmservice.Event) bool {
	switch evt.Kind {
	case vmservice.KindExtension:
		return evt.ExtensionKind == d.opts.ChangeEventKind
	case vmservice.KindServiceExtensionAdded:
		return evt.ExtensionRPC == d.opts.RegistrationMethod
	}
	return false
}

// schedulePull runs a pull once notifications have been quiet for the
// debounce interval.
func (d *Driver) schedulePull(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = time.AfterFunc(d.opts.Debounce, func() {
		d.pullWithRetry(ctx)
	})
}

// pullWithRetry pulls in the background, retrying failures with jittered
// exponential backoff for at most RetryMaxElapsed. A newer call supersedes
// an older retry loop.
func (d *Driver) pullWithRetry(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.retryCancel != nil {
		d.retryCancel()
	}
	d.retryCancel = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.opts.RetryInitial
		b.MaxElapsedTime = d.opts.RetryMaxElapsed
		b.Reset()

		op := func() error {
			_, err := d.Pull(rctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrMissingAppID) || errors.Is(err, vmservice.ErrNotConnected) || rctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			d.logger.Warn().Err(err).Dur("retry_in", wait).Msg("registration pull failed; retrying")
		}

		if err := backoff.RetryNotify(op, backoff.WithContext(b, rctx), notify); err != nil && rctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("registration pull abandoned; waiting for the next change notification")
		}
	}()
}

// pullOutcome is the shared result of one registration request. changes is
// the change generation observed before the request was sent.
type pullOutcome struct {
	res     Result
	changes uint64
}

// Pull asks the app for its capabilities and replaces the registry contents.
// Concurrent calls share one request unless a change notification arrived
// after that request was sent; then exactly one more request follows. On
// failure the registry is unchanged.
func (d *Driver) Pull(ctx context.Context) (Result, error) {
	want := d.changes.Load()
	for {
		v, err, shared := d.group.Do("pull", func() (any, error) {
			seen := d.changes.Load()
			res, err := d.pull(ctx)
			return pullOutcome{res: res, changes: seen}, err
		})
		if err != nil {
			return Result{}, err
		}
		out := v.(pullOutcome)
		if out.changes >= want {
			if shared {
				d.logger.Debug().Msg("registration pull coalesced")
			}
			return out.res, nil
		}
		d.logger.Debug().Msg("capabilities changed during pull; pulling again")
	}
}

func (d *Driver) pull(ctx context.Context) (Result, error) {
	d.mu.Lock()
	prev := d.state
	d.state = StateRegistrationInFlight
	d.mu.Unlock()

	start := time.Now()
	res, err := d.fetchAndApply(ctx)
	elapsed := time.Since(start)
	if d.opts.Observer != nil {
		d.opts.Observer.ObservePull(elapsed, err)
	}

	d.mu.Lock()
	d.lastPull = time.Now()
	d.lastErr = err
	if err != nil {
		if d.state == StateRegistrationInFlight {
			d.state = prev
		}
	} else {
		d.state = StateRegistered
		d.appID = res.AppID
	}
	d.mu.Unlock()

	if err != nil {
		return Result{}, err
	}

	d.logger.Info().
		Str("app", res.AppID).
		Int("port", res.Port).
		Int("tools", res.Tools).
		Int("resources", res.Resources).
		Int("skipped", res.Skipped).
		Dur("elapsed", elapsed).
		Msg("registration pulled")

	d.rememberEndpoint(ctx, res.AppID)
	return res, nil
}

func (d *Driver) fetchAndApply(ctx context.Context) (Result, error) {
	raw, err := d.gw.CallExtension(ctx, d.opts.RegistrationMethod, nil)
	if err != nil {
		return Result{}, fmt.Errorf("registration pull: %w", err)
	}

	var reg registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return Result{}, fmt.Errorf("decode registration: %w", err)
	}
	if reg.AppID == "" {
		return Result{}, ErrMissingAppID
	}

	tools, skippedTools := d.decodeTools(reg.Tools)
	resources, skippedResources := d.decodeResources(reg.Resources)

	port := d.gw.Port()
	if err := d.sink.ReplaceApp(reg.AppID, port, tools, resources); err != nil {
		return Result{}, fmt.Errorf("apply registration: %w", err)
	}
	return Result{
		AppID:     reg.AppID,
		Port:      port,
		Tools:     len(tools),
		Resources: len(resources),
		Skipped:   skippedTools + skippedResources,
	}, nil
}

func (d *Driver) decodeTools(raws []json.RawMessage) ([]registry.Tool, int) {
	tools := make([]registry.Tool, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	skipped := 0
	for _, raw := range raws {
		var t registry.Tool
		if err := json.Unmarshal(raw, &t); err != nil {
			d.logger.Warn().Err(err).Msg("skipping undecodable tool")
			skipped++
			continue
		}
		if err := t.Validate(); err != nil {
			d.logger.Warn().Str("error", err.Error()).Msg("skipping invalid tool")
			skipped++
			continue
		}
		if seen[t.Name] {
			d.logger.Warn().Str("name", t.Name).Msg("skipping duplicate tool")
			skipped++
			continue
		}
		seen[t.Name] = true
		tools = append(tools, t)
	}
	return tools, skipped
}

func (d *Driver) decodeResources(raws []json.RawMessage) ([]registry.Resource, int) {
	resources := make([]registry.Resource, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	skipped := 0
	for _, raw := range raws {
		var r registry.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			d.logger.Warn().Err(err).Msg("skipping undecodable resource")
			skipped++
			continue
		}
		if err := r.Validate(); err != nil {
			d.logger.Warn().Str("error", err.Error()).Msg("skipping invalid resource")
			skipped++
			continue
		}
		if seen[r.URI] {
			d.logger.Warn().Str("uri", r.URI).Msg("skipping duplicate resource")
			skipped++
			continue
		}
		seen[r.URI] = true
		resources = append(resources, r)
	}
	return resources, skipped
}

func (d *Driver) rememberEndpoint(ctx context.Context, appID string) {
	if d.opts.Endpoints == nil {
		return
	}
	ep, ok := d.client.Endpoint()
	if !ok {
		return
	}
	rec := interfaces.EndpointRecord{Host: ep.Host, Port: ep.Port, Path: ep.Path, AppID: appID, ConnectedAt: time.Now().UTC()}
	if err := d.opts.Endpoints.SaveEndpoint(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Msg("failed to remember endpoint")
	}
}

// State returns the registration state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status returns a snapshot for diagnostics.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		State:     d.state.String(),
		Target:    d.target,
		Connected: d.connected,
		LastPull:  d.lastPull,
		AppID:     d.appID,
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}
