package mcp

import (
	"context"
	"fmt"

	"github.com/bobmcallan/vmbridge/internal/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// BuildMCPTool converts a registry tool descriptor into an mcp.Tool. An empty
// schema type is published as "object".
func BuildMCPTool(t registry.Tool) mcp.Tool {
	schema := mcp.ToolInputSchema{
		Type:     t.InputSchema.Type,
		Required: t.InputSchema.Required,
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if len(t.InputSchema.Properties) > 0 {
		schema.Properties = make(map[string]any, len(t.InputSchema.Properties))
		for name, prop := range t.InputSchema.Properties {
			schema.Properties[name] = prop
		}
	}
	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// BuildMCPResource converts a registry resource descriptor into an
// mcp.Resource. A resource without a name is listed under its URI.
func BuildMCPResource(r registry.Resource) mcp.Resource {
	opts := []mcp.ResourceOption{}
	if r.Description != "" {
		opts = append(opts, mcp.WithResourceDescription(r.Description))
	}
	if r.MimeType != "" {
		opts = append(opts, mcp.WithMIMEType(r.MimeType))
	}
	name := r.Name
	if name == "" {
		name = r.URI
	}
	return mcp.NewResource(r.URI, name, opts...)
}

// unknownTool is returned when a name is no longer registered. The client's
// tool list is stale and should be refreshed.
func unknownTool(name string) *mcp.CallToolResult {
	return errorResult(unknownToolText(name))
}

func unknownToolText(name string) string {
	return fmt.Sprintf("unknown tool %q; re-query tools/list", name)
}

func unknownResource(uri string) error {
	return fmt.Errorf("unknown resource %q; re-query resources/list", uri)
}

// DynamicToolHandler forwards a tool call through the registry.
func DynamicToolHandler(reg *registry.Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := reg.ForwardToolCall(ctx, name, r.GetArguments())
		if res == nil {
			return unknownTool(name), nil
		}
		return toMCPResult(res), nil
	}
}

// DynamicResourceHandler forwards a resource read through the registry. A
// failed read is returned as a text/plain item carrying the error message.
func DynamicResourceHandler(reg *registry.Registry, uri string) server.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res := reg.ForwardResourceRead(ctx, uri)
		if res == nil {
			return nil, unknownResource(uri)
		}
		return toMCPContents(res), nil
	}
}

func toMCPResult(res *registry.CallResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: res.IsError}
	for _, c := range res.Content {
		switch c.Type {
		case "image":
			out.Content = append(out.Content, mcp.NewImageContent(c.Data, c.MimeType))
		default:
			out.Content = append(out.Content, mcp.NewTextContent(c.Text))
		}
	}
	if len(out.Content) == 0 {
		out.Content = []mcp.Content{mcp.NewTextContent("")}
	}
	return out
}

func toMCPContents(res *registry.ResourceResult) []mcp.ResourceContents {
	out := make([]mcp.ResourceContents, 0, len(res.Contents))
	for _, c := range res.Contents {
		if c.Blob != "" {
			out = append(out, mcp.BlobResourceContents{URI: c.URI, MIMEType: c.MimeType, Blob: c.Blob})
			continue
		}
		out = append(out, mcp.TextResourceContents{URI: c.URI, MIMEType: c.MimeType, Text: c.Text})
	}
	return out
}
