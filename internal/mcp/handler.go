package mcp

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"

	"github.com/bobmcallan/vmbridge/internal/common"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Handler is the HTTP handler for the MCP endpoint.
// It wraps mcp-go's StreamableHTTPServer and delegates to it.
type Handler struct {
	streamable *mcpserver.StreamableHTTPServer
	logger     *common.Logger
}

// NewHandler creates the streamable HTTP handler for the adapter's server.
// Sessions are kept so that list_changed notifications reach clients.
func NewHandler(a *Adapter, logger *common.Logger) *Handler {
	streamable := mcpserver.NewStreamableHTTPServer(a.Server())
	logger.Info().
		Int("builtin_tools", len(a.staticTools)).
		Msg("MCP handler initialized")
	return &Handler{streamable: streamable, logger: logger}
}

// ServeHTTP delegates to the mcp-go StreamableHTTPServer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.streamable.ServeHTTP(w, r)
}

// Shutdown closes open MCP sessions.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.streamable.Shutdown(ctx)
}

// ServeStdio serves MCP over in/out until ctx is cancelled or in is closed.
// Nothing but protocol messages may be written to out.
func (a *Adapter) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(a.srv)
	stdio.SetErrorLogger(log.New(&logBridge{logger: a.logger}, "", 0))
	a.logger.Info().Msg("serving MCP over stdio")
	return stdio.Listen(ctx, in, out)
}

// logBridge forwards the stdlib logger used by mcp-go's stdio transport
// into the structured logger.
type logBridge struct {
	logger *common.Logger
}

func (b *logBridge) Write(p []byte) (int, error) {
	b.logger.Warn().Str("component", "mcp-stdio").Msg(string(bytes.TrimSpace(p)))
	return len(p), nil
}
