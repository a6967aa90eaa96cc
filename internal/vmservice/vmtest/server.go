// Package vmtest provides an in-process fake VM service for tests.
package vmtest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Path is the WebSocket path the fake serves.
const Path = "/ws"

// Error is a JSON-RPC error frame returned by a Handler.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one method call.
type Handler func(params map[string]any) (any, *Error)

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Server is a fake VM service speaking JSON-RPC 2.0 over WebSocket.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	upgrades atomic.Int64

	mu           sync.Mutex
	handlers     map[string]Handler
	calls        map[string]int
	conns        map[*conn]struct{}
	upgradeDelay time.Duration
}

// NewServer starts a fake VM service. streamListen succeeds by default.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		conns:    make(map[*conn]struct{}),
	}
	s.handlers["streamListen"] = func(map[string]any) (any, *Error) {
		return map[string]any{"type": "Success"}, nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveWS)
	s.srv = httptest.NewServer(mux)
	return s
}

// Handle installs h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// SetUpgradeDelay delays every WebSocket handshake by d.
func (s *Server) SetUpgradeDelay(d time.Duration) {
	s.mu.Lock()
	s.upgradeDelay = d
	s.mu.Unlock()
}

// HostPort returns the address the fake listens on.
func (s *Server) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Upgrades returns the number of accepted WebSocket handshakes.
func (s *Server) Upgrades() int {
	return int(s.upgrades.Load())
}

// Calls returns how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Emit pushes a streamNotify event to every connected client.
func (s *Server) Emit(streamID string, event map[string]any) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "streamNotify",
		"params":  map[string]any{"streamId": streamID, "event": event},
	}
	for _, c := range s.snapshot() {
		_ = c.writeJSON(msg)
	}
}

// DropConnections closes every open WebSocket from the server side.
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		_ = c.ws.Close()
	}
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// ServeIsolate answers getVM and getIsolate with a single runnable isolate
// exposing the given extension methods.
func (s *Server) ServeIsolate(id string, extensions ...string) {
	s.Handle("getVM", func(map[string]any) (any, *Error) {
		return map[string]any{
			"type":     "VM",
			"isolates": []map[string]any{{"type": "@Isolate", "id": id, "name": "main"}},
		}, nil
	})
	s.Handle("getIsolate", func(params map[string]any) (any, *Error) {
		if params["isolateId"] != id {
			return map[string]any{"type": "Sentinel", "kind": "Collected"}, nil
		}
		return map[string]any{
			"type":          "Isolate",
			"id":            id,
			"name":          "main",
			"extensionRPCs": extensions,
		}, nil
	})
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.upgradeDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.upgrades.Add(1)

	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params map[string]any  `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		go s.answer(c, req.ID, req.Method, req.Params)
	}
}

func (s *Server) answer(c *conn, id json.RawMessage, method string, params map[string]any) {
	s.mu.Lock()
	s.calls[method]++
	h, ok := s.handlers[method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if !ok {
		resp["error"] = &Error{Code: -32601, Message: "Method not found"}
		_ = c.writeJSON(resp)
		return
	}
	result, rpcErr := h(params)
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = c.writeJSON(resp)
}
