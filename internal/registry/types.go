package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ErrInvalidDescriptor is returned when a tool or resource is rejected on
// registration. The registry is left unchanged.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// ErrDisposed is returned by mutations on a disposed registry.
var ErrDisposed = errors.New("registry disposed")

// SchemaProperty describes one argument of a tool.
type SchemaProperty struct {
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
	Default     any             `json:"default,omitempty"`
}

func (p SchemaProperty) clone() SchemaProperty {
	p.Enum = slices.Clone(p.Enum)
	if p.Items != nil {
		items := p.Items.clone()
		p.Items = &items
	}
	return p
}

// InputSchema is the JSON schema of a tool's arguments. Type is always "object".
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

func (s InputSchema) clone() InputSchema {
	out := InputSchema{Type: s.Type, Required: slices.Clone(s.Required)}
	if s.Properties != nil {
		out.Properties = make(map[string]SchemaProperty, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.clone()
		}
	}
	return out
}

// Tool is a tool advertised by the remote app.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// Validate reports why t cannot be registered.
func (t Tool) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidDescriptor)
	}
	if strings.ContainsAny(t.Name, " \t\r\n") {
		return fmt.Errorf("%w: tool name %q contains whitespace", ErrInvalidDescriptor, t.Name)
	}
	if t.InputSchema.Type != "" && t.InputSchema.Type != "object" {
		return fmt.Errorf("%w: tool %q input schema type must be object, got %q", ErrInvalidDescriptor, t.Name, t.InputSchema.Type)
	}
	for _, req := range t.InputSchema.Required {
		if _, ok := t.InputSchema.Properties[req]; !ok {
			return fmt.Errorf("%w: tool %q requires undeclared argument %q", ErrInvalidDescriptor, t.Name, req)
		}
	}
	return nil
}

func (t Tool) clone() Tool {
	return Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema.clone()}
}

// MissingArguments returns the required arguments absent from args.
func (t Tool) MissingArguments(args map[string]any) []string {
	var missing []string
	for _, req := range t.InputSchema.Required {
		if v, ok := args[req]; !ok || v == nil {
			missing = append(missing, req)
		}
	}
	return missing
}

// Resource is a resource advertised by the remote app.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Validate reports why r cannot be registered.
func (r Resource) Validate() error {
	if strings.TrimSpace(r.URI) == "" {
		return fmt.Errorf("%w: resource uri is required", ErrInvalidDescriptor)
	}
	if !strings.Contains(r.URI, ":") {
		return fmt.Errorf("%w: resource uri %q has no scheme", ErrInvalidDescriptor, r.URI)
	}
	return nil
}

// DisplayName returns Name, or the URI when no name was given.
func (r Resource) DisplayName() string {
	if r.Name == "" {
		return r.URI
	}
	return r.Name
}

// ToolEntry is a registered tool and where it came from.
type ToolEntry struct {
	Tool         Tool
	SourceApp    string
	Port         int
	RegisteredAt time.Time
	Metadata     map[string]string
}

func (e ToolEntry) clone() ToolEntry {
	e.Tool = e.Tool.clone()
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

// ResourceEntry is a registered resource and where it came from.
type ResourceEntry struct {
	Resource     Resource
	SourceApp    string
	Port         int
	RegisteredAt time.Time
	Metadata     map[string]string
}

func (e ResourceEntry) clone() ResourceEntry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

// AppInfo identifies the app owning every entry.
type AppInfo struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats summarises the registry.
type Stats struct {
	Tools     int      `json:"tools"`
	Resources int      `json:"resources"`
	App       *AppInfo `json:"app,omitempty"`
	Disposed  bool     `json:"disposed,omitempty"`
}

// Content is one item of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the outcome of a forwarded tool call. Remote failures are
// reported with IsError set, never as Go errors.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text items of the result.
func (r *CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ResourceContent is one item of a resource read. Exactly one of Text or
// Blob (base64) is set.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceResult is the outcome of a forwarded resource read.
type ResourceResult struct {
	Contents []ResourceContent `json:"contents"`
	IsError  bool              `json:"isError,omitempty"`
}

func errorResult(format string, args ...any) *CallResult {
	return &CallResult{
		Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
