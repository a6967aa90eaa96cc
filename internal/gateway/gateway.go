// Package gateway issues service extension calls against the isolate that
// exposes the toolkit's extensions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/vmservice"
)

var (
	// ErrNoTargetFound is returned when no isolate registers an extension
	// with the configured prefix. Retryable: extensions appear after startup.
	ErrNoTargetFound = errors.New("no isolate exposes the toolkit extensions")
	// ErrIsolateGone is returned when the cached isolate was collected.
	ErrIsolateGone = errors.New("target isolate is no longer available")
)

// DefaultPrefix is the extension method prefix of the toolkit.
const DefaultPrefix = "ext.mcp.toolkit"

// Caller is the subset of vmservice.Client the gateway uses.
type Caller interface {
	CallMethod(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	Generation() uint64
	Endpoint() (vmservice.Endpoint, bool)
}

// CallError wraps any failure of one extension call.
type CallError struct {
	Method string
	Params map[string]any
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("extension call %s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

type isolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type vmInfo struct {
	Isolates []isolateRef `json:"isolates"`
}

type isolateInfo struct {
	Type          string   `json:"type"`
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ExtensionRPCs []string `json:"extensionRPCs"`
}

// Gateway resolves the target isolate once per connection and routes
// extension calls to it.
type Gateway struct {
	client Caller
	prefix string
	logger *common.Logger

	mu        sync.Mutex
	isolateID string
	cachedGen uint64
}

// New creates a Gateway. An empty prefix selects DefaultPrefix.
func New(client Caller, prefix string, logger *common.Logger) *Gateway {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Gateway{client: client, prefix: prefix, logger: logger}
}

// Prefix returns the extension prefix used to find the target isolate.
func (g *Gateway) Prefix() string { return g.prefix }

// Port returns the port of the live connection, or 0.
func (g *Gateway) Port() int {
	ep, ok := g.client.Endpoint()
	if !ok {
		return 0
	}
	return ep.Port
}

// TargetIsolate returns the id of the first isolate exposing an extension
// with the configured prefix. The answer is cached until the connection
// generation changes or Invalidate is called.
func (g *Gateway) TargetIsolate(ctx context.Context) (string, error) {
	gen := g.client.Generation()
	if gen == 0 {
		return "", vmservice.ErrNotConnected
	}

	g.mu.Lock()
	if g.isolateID != "" && g.cachedGen == gen {
		id := g.isolateID
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	id, err := g.resolve(ctx)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.isolateID = id
	g.cachedGen = gen
	g.mu.Unlock()

	g.logger.Debug().Str("isolate", id).Int64("generation", int64(gen)).Msg("target isolate resolved")
	return id, nil
}

func (g *Gateway) resolve(ctx context.Context) (string, error) {
	raw, err := g.client.CallMethod(ctx, "getVM", nil)
	if err != nil {
		return "", fmt.Errorf("getVM: %w", err)
	}
	var vm vmInfo
	if err := json.Unmarshal(raw, &vm); err != nil {
		return "", fmt.Errorf("decode getVM: %w", err)
	}

	for _, ref := range vm.Isolates {
		raw, err := g.client.CallMethod(ctx, "getIsolate", map[string]any{"isolateId": ref.ID})
		if err != nil {
			g.logger.Debug().Str("isolate", ref.ID).Err(err).Msg("getIsolate failed, skipping")
			continue
		}
		var iso isolateInfo
		if err := json.Unmarshal(raw, &iso); err != nil || iso.Type == "Sentinel" {
			continue
		}
		for _, rpc := range iso.ExtensionRPCs {
			if strings.HasPrefix(rpc, g.prefix) {
				return ref.ID, nil
			}
		}
	}
	return "", ErrNoTargetFound
}

// Invalidate drops the cached isolate.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	g.isolateID = ""
	g.cachedGen = 0
	g.mu.Unlock()
}

// HandleEvent invalidates the cache when the target isolate exits.
func (g *Gateway) HandleEvent(evt vmservice.Event) {
	if evt.Kind != vmservice.KindIsolateExit {
		return
	}
	g.mu.Lock()
	hit := g.isolateID != "" && g.isolateID == evt.IsolateID
	if hit {
		g.isolateID = ""
		g.cachedGen = 0
	}
	g.mu.Unlock()
	if hit {
		g.logger.Info().Str("isolate", evt.IsolateID).Msg("target isolate exited")
	}
}

// CallExtension invokes method on the target isolate with isolateId merged
// into params. It does not retry.
func (g *Gateway) CallExtension(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	isolateID, err := g.TargetIsolate(ctx)
	if err != nil {
		return nil, &CallError{Method: method, Params: params, Err: err}
	}

	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["isolateId"] = isolateID

	raw, err := g.client.CallMethod(ctx, method, merged)
	if err != nil {
		if vmservice.IsRemoteCode(err, vmservice.CodeIsolateMustBeRunnable) {
			g.Invalidate()
		}
		return nil, &CallError{Method: method, Params: params, Err: err}
	}
	if isSentinel(raw) {
		g.Invalidate()
		return nil, &CallError{Method: method, Params: params, Err: ErrIsolateGone}
	}
	return raw, nil
}

func isSentinel(raw json.RawMessage) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == "Sentinel"
}
