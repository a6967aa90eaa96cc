package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/bobmcallan/vmbridge/internal/registry"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Discovery is the part of discovery.Driver the adapter's management tools use.
type Discovery interface {
	Pull(ctx context.Context) (discovery.Result, error)
	Connect(ctx context.Context, host string, port int, path string) error
	Status() discovery.Status
}

// Adapter exposes static management tools and the registry's dynamic
// entries through one mcp-go server. Dynamic entries are mirrored into the
// server whenever the registry changes, so tools/list and resources/list
// stay current and sessions receive list_changed notifications.
type Adapter struct {
	srv       *mcpserver.MCPServer
	reg       *registry.Registry
	discovery Discovery
	logger    *common.Logger

	staticTools     map[string]bool
	staticResources map[string]bool

	syncMu    sync.Mutex
	tools     map[string]string
	resources map[string]string
}

// NewAdapter builds the MCP server with the static tools registered. Call
// Run to start mirroring the registry.
func NewAdapter(name string, reg *registry.Registry, d Discovery, logger *common.Logger) *Adapter {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if name == "" {
		name = "vmbridge"
	}
	a := &Adapter{
		reg:             reg,
		discovery:       d,
		logger:          logger,
		staticTools:     make(map[string]bool),
		staticResources: make(map[string]bool),
		tools:           make(map[string]string),
		resources:       make(map[string]string),
	}

	// Requests see the registry as it is now, not as of the last change event.
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRequestInitialization(a.rejectUnknown)
	hooks.AddBeforeListTools(func(context.Context, any, *mcp.ListToolsRequest) { a.Sync() })
	hooks.AddBeforeListResources(func(context.Context, any, *mcp.ListResourcesRequest) { a.Sync() })
	hooks.AddBeforeCallTool(func(context.Context, any, *mcp.CallToolRequest) { a.Sync() })
	hooks.AddBeforeReadResource(func(context.Context, any, *mcp.ReadResourceRequest) { a.Sync() })

	a.srv = mcpserver.NewMCPServer(
		name,
		common.GetVersion(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithHooks(hooks),
		mcpserver.WithRecovery(),
	)
	for _, st := range a.staticToolSet() {
		a.staticTools[st.Tool.Name] = true
		a.srv.AddTool(st.Tool, st.Handler)
	}
	statsResource := StatsResource()
	a.staticResources[statsResource.URI] = true
	a.srv.AddResource(statsResource, a.statsResourceHandler())
	return a
}

// rejectUnknown fails tools/call and resources/read for names that are
// neither built in nor registered, before mcp-go reports its own not-found
// error.
func (a *Adapter) rejectUnknown(_ context.Context, _ any, message any) error {
	raw, ok := message.(json.RawMessage)
	if !ok {
		return nil
	}
	var req struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodToolsCall:
		if a.staticTools[req.Params.Name] {
			return nil
		}
		if _, ok := a.reg.ToolEntry(req.Params.Name); !ok {
			return errors.New(unknownToolText(req.Params.Name))
		}
	case mcp.MethodResourcesRead:
		if a.staticResources[req.Params.URI] {
			return nil
		}
		if _, ok := a.reg.ResourceEntry(req.Params.URI); !ok {
			return unknownResource(req.Params.URI)
		}
	}
	return nil
}

// Server returns the underlying mcp-go server.
func (a *Adapter) Server() *mcpserver.MCPServer { return a.srv }

// Run mirrors registry changes into the MCP server until ctx is cancelled or
// the registry is disposed.
func (a *Adapter) Run(ctx context.Context) {
	sub := a.reg.Subscribe()
	defer sub.Close()

	a.Sync()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			a.warnOnConflict(evt)
			a.Sync()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) warnOnConflict(evt registry.Event) {
	switch evt.Type {
	case registry.ToolRegistered:
		if a.staticTools[evt.Name] {
			a.logger.Warn().Str("tool", evt.Name).Str("app", evt.AppID).Msg("dynamic tool conflicts with a built-in tool; the built-in wins")
		}
	case registry.ResourceRegistered:
		if a.staticResources[evt.Name] {
			a.logger.Warn().Str("uri", evt.Name).Str("app", evt.AppID).Msg("dynamic resource conflicts with a built-in resource; the built-in wins")
		}
	}
}

// Sync reconciles the MCP server's dynamic tools and resources against the
// registry snapshot. Unchanged entries are left alone.
func (a *Adapter) Sync() {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	nextTools := make(map[string]string)
	var addTools []mcpserver.ServerTool
	for _, e := range a.reg.DynamicTools() {
		name := e.Tool.Name
		if a.staticTools[name] {
			continue
		}
		fp := fingerprint(e.Tool)
		nextTools[name] = fp
		if a.tools[name] == fp {
			continue
		}
		addTools = append(addTools, mcpserver.ServerTool{
			Tool:    BuildMCPTool(e.Tool),
			Handler: DynamicToolHandler(a.reg, name),
		})
	}
	var removeTools []string
	for name := range a.tools {
		if _, ok := nextTools[name]; !ok {
			removeTools = append(removeTools, name)
		}
	}
	if len(removeTools) > 0 {
		a.srv.DeleteTools(removeTools...)
	}
	if len(addTools) > 0 {
		a.srv.AddTools(addTools...)
	}
	a.tools = nextTools

	nextResources := make(map[string]string)
	for _, e := range a.reg.DynamicResources() {
		uri := e.Resource.URI
		if a.staticResources[uri] {
			continue
		}
		fp := fingerprint(e.Resource)
		nextResources[uri] = fp
		if a.resources[uri] == fp {
			continue
		}
		a.srv.AddResource(BuildMCPResource(e.Resource), DynamicResourceHandler(a.reg, uri))
	}
	for uri := range a.resources {
		if _, ok := nextResources[uri]; !ok {
			a.srv.RemoveResource(uri)
		}
	}
	a.resources = nextResources

	if len(addTools) > 0 || len(removeTools) > 0 {
		a.logger.Debug().Int("tools", len(nextTools)).Int("added", len(addTools)).Int("removed", len(removeTools)).Msg("dynamic tools synced")
	}
}

func fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
