package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Forwarder sends extension calls to the connected app.
type Forwarder interface {
	CallExtension(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	// Port is the port of the live connection, or 0.
	Port() int
	// Prefix is prepended to entry names to form extension methods.
	Prefix() string
}

// MetadataMethod overrides the extension method of an entry.
const MetadataMethod = "method"

func (r *Registry) method(name string, metadata map[string]string) string {
	if m := metadata[MetadataMethod]; m != "" {
		return m
	}
	return r.forwarder.Prefix() + "." + name
}

// unreachable reports why an entry registered on port cannot be reached, or "".
func (r *Registry) unreachable(port int) string {
	if r.forwarder == nil {
		return "no VM service connection is configured"
	}
	current := r.forwarder.Port()
	if current == 0 {
		return "the app is not connected; start it or call connect_vm_service"
	}
	if port != 0 && port != current {
		return fmt.Sprintf("the app that registered it on port %d is no longer connected (active connection is on port %d)", port, current)
	}
	return ""
}

// ForwardToolCall invokes a registered tool on its app. It returns nil when
// the tool is unknown. Every other failure is an error-flagged result.
func (r *Registry) ForwardToolCall(ctx context.Context, name string, args map[string]any) *CallResult {
	entry, ok := r.ToolEntry(name)
	if !ok {
		return nil
	}
	if missing := entry.Tool.MissingArguments(args); len(missing) > 0 {
		return errorResult("tool %q is missing required arguments: %s", name, strings.Join(missing, ", "))
	}
	if why := r.unreachable(entry.Port); why != "" {
		return errorResult("tool %q unavailable: %s", name, why)
	}
	r.touch()

	method := r.method(name, entry.Metadata)
	logger := r.logger.WithCorrelationId(uuid.NewString())
	logger.Debug().Str("tool", name).Str("method", method).Msg("forwarding tool call")

	start := time.Now()
	raw, err := r.forwarder.CallExtension(ctx, method, args)
	elapsed := time.Since(start)

	var result *CallResult
	if err != nil {
		logger.Warn().Str("tool", name).Err(err).Dur("elapsed", elapsed).Msg("tool call failed")
		result = errorResult("tool %q failed: %v", name, err)
	} else {
		result = decodeCallResult(raw)
	}
	if r.observer != nil {
		r.observer.ObserveForward("tool", name, elapsed, result.IsError)
	}
	return result
}

// ForwardResourceRead reads a registered resource from its app. It returns
// nil when the resource is unknown.
func (r *Registry) ForwardResourceRead(ctx context.Context, uri string) *ResourceResult {
	entry, ok := r.ResourceEntry(uri)
	if !ok {
		return nil
	}
	if why := r.unreachable(entry.Port); why != "" {
		return resourceError(uri, fmt.Sprintf("resource %q unavailable: %s", uri, why))
	}
	r.touch()

	method := r.method(entry.Resource.DisplayName(), entry.Metadata)
	logger := r.logger.WithCorrelationId(uuid.NewString())
	logger.Debug().Str("uri", uri).Str("method", method).Msg("forwarding resource read")

	start := time.Now()
	raw, err := r.forwarder.CallExtension(ctx, method, map[string]any{"uri": uri})
	elapsed := time.Since(start)

	var result *ResourceResult
	if err != nil {
		logger.Warn().Str("uri", uri).Err(err).Dur("elapsed", elapsed).Msg("resource read failed")
		result = resourceError(uri, fmt.Sprintf("resource %q failed: %v", uri, err))
	} else {
		result = decodeResourceResult(uri, entry.Resource.MimeType, raw)
	}
	if r.observer != nil {
		r.observer.ObserveForward("resource", uri, elapsed, result.IsError)
	}
	return result
}

// decodeCallResult accepts either an MCP-shaped {content, isError} object or
// any other JSON value, which is returned as text.
func decodeCallResult(raw json.RawMessage) *CallResult {
	var shaped struct {
		Content []Content `json:"content"`
		IsError bool      `json:"isError"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil && len(shaped.Content) > 0 {
		return &CallResult{Content: shaped.Content, IsError: shaped.IsError}
	}
	return &CallResult{Content: []Content{{Type: "text", Text: rawText(raw)}}}
}

// decodeResourceResult accepts {contents: [...]} or a bare value. A bare
// value is text for textual mime types and base64 blob data otherwise.
func decodeResourceResult(uri, mimeType string, raw json.RawMessage) *ResourceResult {
	var shaped struct {
		Contents []ResourceContent `json:"contents"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil && len(shaped.Contents) > 0 {
		for i := range shaped.Contents {
			if shaped.Contents[i].URI == "" {
				shaped.Contents[i].URI = uri
			}
			if shaped.Contents[i].MimeType == "" {
				shaped.Contents[i].MimeType = mimeType
			}
		}
		return &ResourceResult{Contents: shaped.Contents}
	}

	content := ResourceContent{URI: uri, MimeType: mimeType}
	if isTextMime(mimeType) {
		content.Text = rawText(raw)
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if _, err := base64.StdEncoding.DecodeString(s); err == nil {
				content.Blob = s
				return &ResourceResult{Contents: []ResourceContent{content}}
			}
		}
		content.Blob = base64.StdEncoding.EncodeToString(raw)
	}
	return &ResourceResult{Contents: []ResourceContent{content}}
}

func isTextMime(mimeType string) bool {
	if mimeType == "" || strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/yaml", "application/javascript":
		return true
	}
	return strings.HasSuffix(mimeType, "+json") || strings.HasSuffix(mimeType, "+xml")
}

// rawText unwraps a JSON string, or returns other JSON verbatim.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func resourceError(uri, msg string) *ResourceResult {
	return &ResourceResult{
		Contents: []ResourceContent{{URI: uri, MimeType: "text/plain", Text: msg}},
		IsError:  true,
	}
}

// ErrorText returns the error message of an error-flagged read.
func (r *ResourceResult) ErrorText() string {
	if !r.IsError || len(r.Contents) == 0 {
		return ""
	}
	return r.Contents[0].Text
}
