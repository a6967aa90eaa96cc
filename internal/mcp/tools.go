package mcp

import (
	"context"
	"fmt"
	"sort"

	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/bobmcallan/vmbridge/internal/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Built-in tool names.
const (
	ToolGetVersion       = "get_version"
	ToolConnectVMService = "connect_vm_service"
	ToolListClient       = "listClientToolsAndResources"
	ToolRunClientTool    = "runClientTool"
	ToolRunClientRes     = "runClientResource"
	ToolRegistryStats    = "getRegistryStats"

	// StatsURI is the built-in resource describing the registry.
	StatsURI = "vmbridge://registry/stats"
)

func (a *Adapter) staticToolSet() []server.ServerTool {
	return []server.ServerTool{
		{Tool: VersionTool(), Handler: VersionToolHandler(a.discovery)},
		{Tool: connectTool(), Handler: a.handleConnect},
		{Tool: listClientTool(), Handler: a.handleListClient},
		{Tool: runClientTool(), Handler: a.handleRunClientTool},
		{Tool: runClientResourceTool(), Handler: a.handleRunClientResource},
		{Tool: registryStatsTool(), Handler: a.handleRegistryStats},
	}
}

func connectTool() mcp.Tool {
	return mcp.NewTool(ToolConnectVMService,
		mcp.WithDescription("Connect to a Dart VM service and pull the app's dynamic tools and resources. Replaces the current connection."),
		mcp.WithString("host", mcp.Description("VM service host (default 127.0.0.1)")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("VM service port")),
		mcp.WithString("path", mcp.Description("WebSocket path including the auth token, e.g. /abc123=/ws")),
	)
}

func listClientTool() mcp.Tool {
	return mcp.NewTool(ToolListClient,
		mcp.WithDescription("Refresh and list the tools and resources registered by the connected app."),
	)
}

func runClientTool() mcp.Tool {
	return mcp.NewTool(ToolRunClientTool,
		mcp.WithDescription("Run a tool registered by the connected app."),
		mcp.WithString("toolName", mcp.Required(), mcp.Description("Name of the registered tool")),
		mcp.WithObject("arguments", mcp.Description("Arguments passed to the tool")),
	)
}

func runClientResourceTool() mcp.Tool {
	return mcp.NewTool(ToolRunClientRes,
		mcp.WithDescription("Read a resource registered by the connected app."),
		mcp.WithString("resourceUri", mcp.Required(), mcp.Description("URI of the registered resource")),
	)
}

func registryStatsTool() mcp.Tool {
	return mcp.NewTool(ToolRegistryStats,
		mcp.WithDescription("Report registry counts and the owning app."),
		mcp.WithBoolean("includeAppDetails", mcp.Description("Include registered names and connection status")),
	)
}

// StatsResource returns the built-in registry stats resource.
func StatsResource() mcp.Resource {
	return mcp.NewResource(StatsURI, "Registry stats",
		mcp.WithResourceDescription("Counts of dynamic tools and resources and the app that owns them"),
		mcp.WithMIMEType("application/json"),
	)
}

type clientListing struct {
	Tools     []registry.Tool     `json:"tools"`
	Resources []registry.Resource `json:"resources"`
	Counts    listingCounts       `json:"counts"`
	App       *registry.AppInfo   `json:"app,omitempty"`
	PullError string              `json:"pullError,omitempty"`
}

type listingCounts struct {
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
}

func (a *Adapter) handleListClient(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := clientListing{}
	if a.discovery != nil {
		if _, err := a.discovery.Pull(ctx); err != nil {
			a.logger.Debug().Err(err).Msg("refresh before listing failed; returning cached registry")
			out.PullError = err.Error()
		}
	}

	out.Tools = []registry.Tool{}
	for _, e := range a.reg.DynamicTools() {
		out.Tools = append(out.Tools, e.Tool)
	}
	out.Resources = []registry.Resource{}
	for _, e := range a.reg.DynamicResources() {
		out.Resources = append(out.Resources, e.Resource)
	}
	out.Counts = listingCounts{Tools: len(out.Tools), Resources: len(out.Resources)}
	if app, ok := a.reg.App(); ok {
		out.App = &app
	}
	return jsonResult(out), nil
}

func (a *Adapter) handleRunClientTool(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := r.RequireString("toolName")
	if err != nil {
		return errorResult("Error: toolName parameter is required"), nil
	}
	var args map[string]any
	if raw, ok := r.GetArguments()["arguments"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return errorResult("Error: arguments must be an object"), nil
		}
		args = m
	}
	res := a.reg.ForwardToolCall(ctx, name, args)
	if res == nil {
		return unknownTool(name), nil
	}
	return toMCPResult(res), nil
}

func (a *Adapter) handleRunClientResource(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := r.RequireString("resourceUri")
	if err != nil {
		return errorResult("Error: resourceUri parameter is required"), nil
	}
	res := a.reg.ForwardResourceRead(ctx, uri)
	if res == nil {
		return errorResult(unknownResource(uri).Error()), nil
	}
	if res.IsError {
		return errorResult(res.ErrorText()), nil
	}
	return jsonResult(res), nil
}

type statsDetails struct {
	registry.Stats
	ToolNames    []string          `json:"toolNames,omitempty"`
	ResourceURIs []string          `json:"resourceUris,omitempty"`
	Discovery    *discovery.Status `json:"discovery,omitempty"`
}

func (a *Adapter) stats(details bool) statsDetails {
	out := statsDetails{Stats: a.reg.Stats()}
	if !details {
		out.App = nil
		return out
	}
	for _, e := range a.reg.DynamicTools() {
		out.ToolNames = append(out.ToolNames, e.Tool.Name)
	}
	for _, e := range a.reg.DynamicResources() {
		out.ResourceURIs = append(out.ResourceURIs, e.Resource.URI)
	}
	sort.Strings(out.ToolNames)
	sort.Strings(out.ResourceURIs)
	if a.discovery != nil {
		status := a.discovery.Status()
		out.Discovery = &status
	}
	return out
}

func (a *Adapter) handleRegistryStats(_ context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(a.stats(r.GetBool("includeAppDetails", false))), nil
}

func (a *Adapter) statsResourceHandler() server.ResourceHandlerFunc {
	return func(_ context.Context, r mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text := fingerprint(a.stats(true))
		if text == "" {
			return nil, fmt.Errorf("failed to encode registry stats")
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: r.Params.URI, MIMEType: "application/json", Text: text},
		}, nil
	}
}

func (a *Adapter) handleConnect(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if a.discovery == nil {
		return errorResult("Error: discovery is not running"), nil
	}
	port := r.GetInt("port", 0)
	if port <= 0 || port > 65535 {
		return errorResult("Error: port must be between 1 and 65535"), nil
	}
	host := r.GetString("host", "127.0.0.1")
	path := r.GetString("path", "")

	if err := a.discovery.Connect(ctx, host, port, path); err != nil {
		return errorResult(fmt.Sprintf("Error: connect to %s:%d failed: %v", host, port, err)), nil
	}

	resp := map[string]any{"connected": true, "host": host, "port": port}
	res, err := a.discovery.Pull(ctx)
	if err != nil {
		resp["pullError"] = err.Error()
	} else {
		resp["appId"] = res.AppID
		resp["tools"] = res.Tools
		resp["resources"] = res.Resources
	}
	a.logger.Info().Str("host", host).Int("port", port).Msg("connected to vm service via tool call")
	return jsonResult(resp), nil
}
