// Package registry stores the tools and resources advertised by the connected
// app and forwards invocations back to it.
//
// Every entry belongs to a single app. Registering an entry for a different
// app clears the previous app's entries first, inside the same critical
// section, so readers never observe a mix of owners. Every mutation emits an
// event while the lock is held; subscribers receive them in mutation order
// through unbounded mailboxes, so emission never blocks.
package registry

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
)

// Observer receives registry measurements.
type Observer interface {
	ObserveForward(kind, name string, d time.Duration, isError bool)
	SetRegistrySize(tools, resources int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver reports forwards and sizes to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry is the dynamic capability store. It is safe for concurrent use.
type Registry struct {
	logger    *common.Logger
	forwarder Forwarder
	observer  Observer
	now       func() time.Time

	mu        sync.Mutex
	tools     map[string]ToolEntry
	resources map[string]ResourceEntry
	app       *AppInfo
	subs      map[*mailbox]struct{}
	disposed  bool
}

// New creates an empty registry forwarding invocations through f. f may be
// nil, in which case every forward reports that no app is connected.
func New(f Forwarder, logger *common.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	r := &Registry{
		logger:    logger,
		forwarder: f,
		now:       time.Now,
		tools:     make(map[string]ToolEntry),
		resources: make(map[string]ResourceEntry),
		subs:      make(map[*mailbox]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe returns a subscription receiving every subsequent event.
func (r *Registry) Subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mb *mailbox
	mb = newMailbox(func() {
		r.mu.Lock()
		delete(r.subs, mb)
		r.mu.Unlock()
	})
	if r.disposed {
		mb.close()
		return &Subscription{mb: mb}
	}
	r.subs[mb] = struct{}{}
	return &Subscription{mb: mb}
}

// emitLocked queues evt for every subscriber. Caller holds r.mu.
func (r *Registry) emitLocked(evt Event) {
	evt.Timestamp = r.now()
	for mb := range r.subs {
		mb.push(evt)
	}
}

// touchLocked advances the owner's activity time, never backwards.
func (r *Registry) touchLocked() {
	if r.app == nil {
		return
	}
	if t := r.now(); t.After(r.app.LastActivity) {
		r.app.LastActivity = t
	}
}

// adoptLocked makes appID the owner, clearing a different owner's entries.
func (r *Registry) adoptLocked(appID string, port int) {
	if r.app != nil && r.app.ID != appID {
		prev := r.app.ID
		r.clearLocked(ReasonAppSwitch)
		r.logger.Info().Str("previous_app", prev).Str("app", appID).Int("port", port).Msg("registry owner switched")
	}
	if r.app == nil {
		r.app = &AppInfo{ID: appID, Port: port, LastActivity: r.now()}
	}
	r.app.Port = port
	r.touchLocked()
}

// clearLocked removes every entry, emitting one event per entry and an
// AppUnregistered summary, then resets the owner.
func (r *Registry) clearLocked(reason string) (tools, resources int) {
	if r.app == nil && len(r.tools) == 0 && len(r.resources) == 0 {
		return 0, 0
	}
	appID, port := "", 0
	if r.app != nil {
		appID, port = r.app.ID, r.app.Port
	}

	for _, name := range sortedKeys(r.tools) {
		e := r.tools[name]
		delete(r.tools, name)
		r.emitLocked(Event{Type: ToolUnregistered, Name: name, AppID: e.SourceApp, Port: e.Port, Reason: reason})
		tools++
	}
	for _, uri := range sortedKeys(r.resources) {
		e := r.resources[uri]
		delete(r.resources, uri)
		r.emitLocked(Event{Type: ResourceUnregistered, Name: uri, AppID: e.SourceApp, Port: e.Port, Reason: reason})
		resources++
	}
	r.app = nil
	if tools > 0 || resources > 0 {
		r.emitLocked(Event{Type: AppUnregistered, AppID: appID, Port: port, Reason: reason, Tools: tools, Resources: resources})
	}
	r.reportSizeLocked()
	return tools, resources
}

func (r *Registry) insertToolLocked(t Tool, appID string, port int, metadata map[string]string) {
	if old, ok := r.tools[t.Name]; ok {
		r.emitLocked(Event{Type: ToolUnregistered, Name: t.Name, AppID: old.SourceApp, Port: old.Port, Reason: ReasonReplaced})
	}
	r.tools[t.Name] = ToolEntry{
		Tool:         t,
		SourceApp:    appID,
		Port:         port,
		RegisteredAt: r.now(),
		Metadata:     maps.Clone(metadata),
	}
	r.emitLocked(Event{Type: ToolRegistered, Name: t.Name, AppID: appID, Port: port})
}

func (r *Registry) insertResourceLocked(res Resource, appID string, port int, metadata map[string]string) {
	if old, ok := r.resources[res.URI]; ok {
		r.emitLocked(Event{Type: ResourceUnregistered, Name: res.URI, AppID: old.SourceApp, Port: old.Port, Reason: ReasonReplaced})
	}
	r.resources[res.URI] = ResourceEntry{
		Resource:     res,
		SourceApp:    appID,
		Port:         port,
		RegisteredAt: r.now(),
		Metadata:     maps.Clone(metadata),
	}
	r.emitLocked(Event{Type: ResourceRegistered, Name: res.URI, AppID: appID, Port: port})
}

func (r *Registry) reportSizeLocked() {
	if r.observer != nil {
		r.observer.SetRegistrySize(len(r.tools), len(r.resources))
	}
}

func checkApp(appID string) error {
	if appID == "" {
		return fmt.Errorf("%w: app id is required", ErrInvalidDescriptor)
	}
	return nil
}

// RegisterTool adds or overwrites a tool owned by appID.
func (r *Registry) RegisterTool(tool Tool, appID string, port int, metadata map[string]string) error {
	if err := checkApp(appID); err != nil {
		return err
	}
	if err := tool.Validate(); err != nil {
		return err
	}
	t := tool.clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.adoptLocked(appID, port)
	r.insertToolLocked(t, appID, port, metadata)
	r.reportSizeLocked()
	return nil
}

// RegisterResource adds or overwrites a resource owned by appID.
func (r *Registry) RegisterResource(res Resource, appID string, port int, metadata map[string]string) error {
	if err := checkApp(appID); err != nil {
		return err
	}
	if err := res.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.adoptLocked(appID, port)
	r.insertResourceLocked(res, appID, port, metadata)
	r.reportSizeLocked()
	return nil
}

// ReplaceApp atomically replaces every entry with the given set owned by
// appID. Nothing changes if any descriptor is invalid. Entries of a
// different owner are cleared with reason app_switch; the owner's own
// entries are cleared with reason refresh.
func (r *Registry) ReplaceApp(appID string, port int, tools []Tool, resources []Resource) error {
	if err := checkApp(appID); err != nil {
		return err
	}
	ts := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if err := t.Validate(); err != nil {
			return err
		}
		ts = append(ts, t.clone())
	}
	rs := make([]Resource, 0, len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return err
		}
		rs = append(rs, res)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}

	if r.app != nil && r.app.ID != appID {
		r.adoptLocked(appID, port)
	} else {
		r.refreshLocked()
		r.adoptLocked(appID, port)
	}
	for _, t := range ts {
		r.insertToolLocked(t, appID, port, nil)
	}
	for _, res := range rs {
		r.insertResourceLocked(res, appID, port, nil)
	}
	r.reportSizeLocked()
	return nil
}

// refreshLocked removes the owner's entries without dropping the owner.
func (r *Registry) refreshLocked() {
	for _, name := range sortedKeys(r.tools) {
		e := r.tools[name]
		delete(r.tools, name)
		r.emitLocked(Event{Type: ToolUnregistered, Name: name, AppID: e.SourceApp, Port: e.Port, Reason: ReasonRefresh})
	}
	for _, uri := range sortedKeys(r.resources) {
		e := r.resources[uri]
		delete(r.resources, uri)
		r.emitLocked(Event{Type: ResourceUnregistered, Name: uri, AppID: e.SourceApp, Port: e.Port, Reason: ReasonRefresh})
	}
}

// UnregisterTool removes one tool. It reports whether the tool existed.
func (r *Registry) UnregisterTool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return false
	}
	delete(r.tools, name)
	r.emitLocked(Event{Type: ToolUnregistered, Name: name, AppID: e.SourceApp, Port: e.Port, Reason: ReasonUnregistered})
	r.reportSizeLocked()
	return true
}

// UnregisterResource removes one resource. It reports whether it existed.
func (r *Registry) UnregisterResource(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[uri]
	if !ok {
		return false
	}
	delete(r.resources, uri)
	r.emitLocked(Event{Type: ResourceUnregistered, Name: uri, AppID: e.SourceApp, Port: e.Port, Reason: ReasonUnregistered})
	r.reportSizeLocked()
	return true
}

// UnregisterApp removes every entry and forgets the owner. It returns the
// number of tools and resources removed. On an empty registry it emits no
// events.
func (r *Registry) UnregisterApp() (tools, resources int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tools) == 0 && len(r.resources) == 0 {
		r.app = nil
		return 0, 0
	}
	tools, resources = r.clearLocked(ReasonAppRemoved)
	r.logger.Info().Int("tools", tools).Int("resources", resources).Msg("app registrations cleared")
	return tools, resources
}

// ClearAppRegistrations is an alias of UnregisterApp.
func (r *Registry) ClearAppRegistrations() (tools, resources int) {
	return r.UnregisterApp()
}

// DynamicTools returns every tool sorted by name. The result is never nil.
func (r *Registry) DynamicTools() []ToolEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolEntry, 0, len(r.tools))
	for _, name := range sortedKeys(r.tools) {
		out = append(out, r.tools[name].clone())
	}
	return out
}

// DynamicResources returns every resource sorted by URI. The result is
// never nil.
func (r *Registry) DynamicResources() []ResourceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResourceEntry, 0, len(r.resources))
	for _, uri := range sortedKeys(r.resources) {
		out = append(out, r.resources[uri].clone())
	}
	return out
}

// ToolEntry looks up a tool by name.
func (r *Registry) ToolEntry(name string) (ToolEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return ToolEntry{}, false
	}
	return e.clone(), true
}

// ResourceEntry looks up a resource by URI.
func (r *Registry) ResourceEntry(uri string) (ResourceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources[uri]
	if !ok {
		return ResourceEntry{}, false
	}
	return e.clone(), true
}

// App returns the owning app, if any.
func (r *Registry) App() (AppInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == nil {
		return AppInfo{}, false
	}
	return *r.app, true
}

// Stats returns entry counts and the owner.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Tools: len(r.tools), Resources: len(r.resources), Disposed: r.disposed}
	if r.app != nil {
		app := *r.app
		s.App = &app
	}
	return s
}

// Dispose clears the registry and closes every subscription. Later reads
// return empty collections; later registrations fail with ErrDisposed.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.tools = make(map[string]ToolEntry)
	r.resources = make(map[string]ResourceEntry)
	r.app = nil
	for mb := range r.subs {
		mb.close()
	}
	r.reportSizeLocked()
}

func (r *Registry) touch() {
	r.mu.Lock()
	r.touchLocked()
	r.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
