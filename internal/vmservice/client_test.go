package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/vmservice/vmtest"
)

func newTestClient(opts Options) *Client {
	return NewClient(common.NewSilentLogger(), opts)
}

func connect(t *testing.T, c *Client, srv *vmtest.Server) {
	t.Helper()
	host, port := srv.HostPort()
	if err := c.Connect(context.Background(), host, port, vmtest.Path); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingCount(c *Client) int {
	s := c.current()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func TestConnect_CoalescesConcurrentAttempts(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	srv.SetUpgradeDelay(100 * time.Millisecond)

	c := newTestClient(Options{})
	defer c.Close()
	host, port := srv.HostPort()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background(), host, port, vmtest.Path)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if got := srv.Upgrades(); got != 1 {
		t.Errorf("expected 1 websocket upgrade, got %d", got)
	}
	if got := c.Generation(); got != 1 {
		t.Errorf("expected generation 1, got %d", got)
	}
}

func TestConnect_IdempotentWhenOpen(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)
	connect(t, c, srv)

	if got := srv.Upgrades(); got != 1 {
		t.Errorf("expected 1 websocket upgrade, got %d", got)
	}
	if !c.Connected() {
		t.Error("expected client to be connected")
	}
	ep, ok := c.Endpoint()
	if !ok {
		t.Fatal("expected an endpoint")
	}
	if ep.Path != vmtest.Path {
		t.Errorf("expected path %q, got %q", vmtest.Path, ep.Path)
	}
}

func TestConnect_ReplacesLostConnection(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	done := c.Done()
	srv.DropConnections()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Done was not closed after the server dropped the connection")
	}
	waitFor(t, "client to notice the drop", func() bool { return !c.Connected() })

	connect(t, c, srv)
	if got := srv.Upgrades(); got != 2 {
		t.Errorf("expected 2 websocket upgrades, got %d", got)
	}
	if got := c.Generation(); got != 2 {
		t.Errorf("expected generation 2, got %d", got)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := newTestClient(Options{ConnectTimeout: time.Second})
	defer c.Close()

	err = c.Connect(context.Background(), "127.0.0.1", port, "/ws")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", c.State())
	}
}

func TestCallMethod_NotConnected(t *testing.T) {
	c := newTestClient(Options{})
	defer c.Close()

	_, err := c.CallMethod(context.Background(), "getVM", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCallMethod_ReturnsResult(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	srv.Handle("getVersion", func(map[string]any) (any, *vmtest.Error) {
		return map[string]any{"type": "Version", "major": 4, "minor": 16}, nil
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	raw, err := c.CallMethod(context.Background(), "getVersion", nil)
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	var v struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	if v.Major != 4 || v.Minor != 16 {
		t.Errorf("unexpected version %+v", v)
	}
	if n := pendingCount(c); n != 0 {
		t.Errorf("expected empty pending map, got %d", n)
	}
}

func TestCallMethod_PassesParams(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	srv.Handle("echo", func(params map[string]any) (any, *vmtest.Error) {
		return params, nil
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	raw, err := c.CallMethod(context.Background(), "echo", map[string]any{"isolateId": "isolates/1"})
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["isolateId"] != "isolates/1" {
		t.Errorf("params not echoed: %v", got)
	}
}

func TestCallMethod_RemoteError(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	srv.Handle("ext.mcp.toolkit.fail", func(map[string]any) (any, *vmtest.Error) {
		return nil, &vmtest.Error{Code: -32000, Message: "tool exploded"}
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	_, err := c.CallMethod(context.Background(), "ext.mcp.toolkit.fail", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Code != -32000 || remote.Message != "tool exploded" {
		t.Errorf("unexpected remote error %+v", remote)
	}
	if n := pendingCount(c); n != 0 {
		t.Errorf("expected empty pending map, got %d", n)
	}
}

func TestCallMethod_UnknownMethod(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	_, err := c.CallMethod(context.Background(), "noSuchMethod", nil)
	if !IsRemoteCode(err, CodeMethodNotFound) {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

func TestCallMethod_Timeout(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	release := make(chan struct{})
	defer close(release)
	srv.Handle("slow", func(map[string]any) (any, *vmtest.Error) {
		<-release
		return "late", nil
	})

	c := newTestClient(Options{CallTimeout: 50 * time.Millisecond})
	defer c.Close()
	connect(t, c, srv)

	_, err := c.CallMethod(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n := pendingCount(c); n != 0 {
		t.Errorf("expected empty pending map after timeout, got %d", n)
	}
}

func TestCallMethod_ContextCancel(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	release := make(chan struct{})
	defer close(release)
	srv.Handle("slow", func(map[string]any) (any, *vmtest.Error) {
		<-release
		return nil, nil
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.CallMethod(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestDisconnect_FailsPendingCalls(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	release := make(chan struct{})
	defer close(release)
	srv.Handle("slow", func(map[string]any) (any, *vmtest.Error) {
		<-release
		return nil, nil
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallMethod(context.Background(), "slow", nil)
		errCh <- err
	}()
	waitFor(t, "call to reach the server", func() bool { return srv.Calls("slow") == 1 })

	c.Disconnect()

	select {
	case err := <-errCh:
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected *ConnectionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after Disconnect")
	}

	if _, err := c.CallMethod(context.Background(), "slow", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestStreamEvents_DeliveredToSubscribers(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	if err := c.StreamListen(context.Background(), StreamExtension); err != nil {
		t.Fatalf("StreamListen: %v", err)
	}
	events, cancel := c.Subscribe()
	defer cancel()

	srv.Emit(StreamExtension, map[string]any{
		"type":          "Event",
		"kind":          KindExtension,
		"isolate":       map[string]any{"type": "@Isolate", "id": "isolates/7"},
		"extensionKind": "MCPToolkit.ToolRegistration",
		"extensionData": map[string]any{"reason": "changed"},
		"timestamp":     1700000000000,
	})

	select {
	case evt := <-events:
		if evt.StreamID != StreamExtension || evt.Kind != KindExtension {
			t.Errorf("unexpected event %+v", evt)
		}
		if evt.ExtensionKind != "MCPToolkit.ToolRegistration" {
			t.Errorf("unexpected extension kind %q", evt.ExtensionKind)
		}
		if evt.IsolateID != "isolates/7" {
			t.Errorf("unexpected isolate %q", evt.IsolateID)
		}
		if evt.Timestamp.UnixMilli() != 1700000000000 {
			t.Errorf("unexpected timestamp %v", evt.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestStreamListen_AlreadySubscribed(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()
	srv.Handle("streamListen", func(map[string]any) (any, *vmtest.Error) {
		return nil, &vmtest.Error{Code: CodeStreamAlreadySubscribed, Message: "Stream already subscribed"}
	})

	c := newTestClient(Options{})
	defer c.Close()
	connect(t, c, srv)

	if err := c.StreamListen(context.Background(), StreamIsolate); err != nil {
		t.Fatalf("expected nil for an existing subscription, got %v", err)
	}
}

func TestClose_EndsSubscriptions(t *testing.T) {
	c := newTestClient(Options{})
	events, _ := c.Subscribe()
	c.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	if err := c.Connect(context.Background(), "127.0.0.1", 1, "/ws"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestOnStateChange(t *testing.T) {
	srv := vmtest.NewServer()
	defer srv.Close()

	c := newTestClient(Options{})
	defer c.Close()

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	connect(t, c, srv)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	methods []string
	errs    int
}

func (o *recordingObserver) ObserveCall(method string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods = append(o.methods, method)
	if err != nil {
		o.errs++
	}
}

func TestCallMethod_Observed(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestClient(Options{Observer: obs})
	defer c.Close()

	_, _ = c.CallMethod(context.Background(), "getVM", nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.methods) != 1 || obs.methods[0] != "getVM" || obs.errs != 1 {
		t.Errorf("unexpected observations: %v errs=%d", obs.methods, obs.errs)
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		ep   Endpoint
		want string
	}{
		{Endpoint{Host: "127.0.0.1", Port: 8181, Path: "/ws"}, "ws://127.0.0.1:8181/ws"},
		{Endpoint{Host: "localhost", Port: 9100, Path: "abc=/ws"}, "ws://localhost:9100/abc=/ws"},
		{Endpoint{Host: "::1", Port: 8181}, "ws://[::1]:8181/ws"},
	}
	for _, tc := range cases {
		if got := tc.ep.URL(); got != tc.want {
			t.Errorf("%+v: expected %q, got %q", tc.ep, tc.want, got)
		}
	}
}
