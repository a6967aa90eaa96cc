package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/vmservice"
	"github.com/bobmcallan/vmbridge/internal/vmservice/vmtest"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

func newTestConfig(t *testing.T, srv *vmtest.Server) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "vmbridge.db")
	host, port := srv.HostPort()
	cfg.VMService.Host = host
	cfg.VMService.Port = port
	cfg.VMService.Path = vmtest.Path
	cfg.Discovery.Debounce = "20ms"
	cfg.Discovery.RetryInitial = "10ms"
	cfg.Discovery.RetryMaxElapsed = "1s"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func rpc(t *testing.T, s *mcpserver.MCPServer, method string, params any) json.RawMessage {
	t.Helper()
	paramsJSON, _ := json.Marshal(params)
	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"` + method + `","params":` + string(paramsJSON) + `}`)
	resp, ok := s.HandleMessage(t.Context(), msg).(mcpgo.JSONRPCResponse)
	if !ok {
		t.Fatalf("%s: expected JSONRPCResponse", method)
	}
	out, _ := json.Marshal(resp.Result)
	return out
}

func toolNames(t *testing.T, s *mcpserver.MCPServer) map[string]bool {
	t.Helper()
	var res mcpgo.ListToolsResult
	if err := json.Unmarshal(rpc(t, s, "tools/list", map[string]any{}), &res); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	names := make(map[string]bool, len(res.Tools))
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	return names
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_EndToEnd(t *testing.T) {
	vm := vmtest.NewServer()
	defer vm.Close()
	vm.ServeIsolate("isolates/1", "ext.mcp.toolkit.registerDynamics", "ext.mcp.toolkit.ping")
	vm.Handle("ext.mcp.toolkit.registerDynamics", func(map[string]any) (any, *vmtest.Error) {
		return map[string]any{
			"appId": "counter_app",
			"tools": []any{map[string]any{
				"name":        "ping",
				"description": "Ping the app",
				"inputSchema": map[string]any{"type": "object"},
			}},
			"resources": []any{},
		}, nil
	})
	vm.Handle("ext.mcp.toolkit.ping", func(params map[string]any) (any, *vmtest.Error) {
		if params["isolateId"] != "isolates/1" {
			return nil, &vmtest.Error{Code: -32602, Message: "missing isolateId"}
		}
		return map[string]any{"pong": params["n"]}, nil
	})

	a := startApp(t, newTestConfig(t, vm))
	s := a.Adapter.Server()

	waitFor(t, "dynamic tool mirrored", func() bool { return toolNames(t, s)["ping"] })

	var res struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	raw := rpc(t, s, "tools/call", map[string]any{"name": "ping", "arguments": map[string]any{"n": 7}})
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode tools/call: %v", err)
	}
	if res.IsError || len(res.Content) == 0 || res.Content[0].Text != `{"pong":7}` {
		t.Fatalf("unexpected call result %s", raw)
	}

	status := a.Discovery.Status()
	if status.AppID != "counter_app" || !status.Connected {
		t.Errorf("unexpected discovery status %+v", status)
	}

	rec, ok, err := a.Storage.EndpointStore().LastEndpoint(context.Background())
	if err != nil || !ok || rec.AppID != "counter_app" {
		t.Errorf("expected endpoint remembered, got %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestApp_DisconnectedCallsFailWithActionableError(t *testing.T) {
	vm := vmtest.NewServer()
	vm.ServeIsolate("isolates/1", "ext.mcp.toolkit.registerDynamics")
	vm.Handle("ext.mcp.toolkit.registerDynamics", func(map[string]any) (any, *vmtest.Error) {
		return map[string]any{"appId": "app", "tools": []any{map[string]any{"name": "ping"}}}, nil
	})

	a := startApp(t, newTestConfig(t, vm))
	s := a.Adapter.Server()
	waitFor(t, "dynamic tool mirrored", func() bool { return toolNames(t, s)["ping"] })

	vm.Close()
	waitFor(t, "disconnect", func() bool { return !a.Client.Connected() })

	if !toolNames(t, s)["ping"] {
		t.Fatal("registrations must survive a disconnect")
	}
	raw := rpc(t, s, "tools/call", map[string]any{"name": "ping", "arguments": map[string]any{}})
	if !strings.Contains(string(raw), `"isError":true`) || !strings.Contains(string(raw), "not connected") {
		t.Errorf("expected actionable not-connected error, got %s", raw)
	}
}

func TestApp_RetargetFollowsConfiguredEndpoint(t *testing.T) {
	vm := vmtest.NewServer()
	defer vm.Close()
	cfg := newTestConfig(t, vm)
	a := startApp(t, cfg)

	same := *cfg
	if _, changed := a.Retarget(&same); changed {
		t.Fatal("unchanged endpoint reported as changed")
	}

	other := vmtest.NewServer()
	defer other.Close()
	host, port := other.HostPort()
	next := *cfg
	next.VMService.Host = host
	next.VMService.Port = port
	want := vmservice.Endpoint{Host: host, Port: port, Path: vmtest.Path}

	var changes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed := a.Retarget(&next); changed {
				changes.Add(1)
			}
			a.Discovery.Status()
		}()
	}
	wg.Wait()

	if got := changes.Load(); got != 1 {
		t.Errorf("expected exactly one reload to apply the endpoint, got %d", got)
	}
	if got := a.Discovery.Target(); got != want {
		t.Errorf("expected target %+v, got %+v", want, got)
	}

	// An endpoint picked at runtime survives reloads that leave the
	// configured endpoint alone.
	vmHost, vmPort := vm.HostPort()
	a.Discovery.SetTarget(vmHost, vmPort, vmtest.Path)
	prev, changed := a.Retarget(&next)
	if changed || prev != want {
		t.Errorf("expected no change from %+v, got changed=%v prev=%+v", want, changed, prev)
	}
	if got := a.Discovery.Target().Port; got != vmPort {
		t.Errorf("runtime endpoint replaced by reload, target port %d", got)
	}
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Server.Transport = "carrier-pigeon"
	if _, err := New(cfg, common.NewSilentLogger()); err == nil {
		t.Fatal("expected invalid configuration to be rejected")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	vm := vmtest.NewServer()
	defer vm.Close()
	a := startApp(t, newTestConfig(t, vm))

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
