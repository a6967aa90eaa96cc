package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/bobmcallan/vmbridge/internal/registry"
)

func TestHealthHandler_ReturnsOK(t *testing.T) {
	handler := NewHealthHandler(nil, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func TestHealthHandler_RejectsNonGET(t *testing.T) {
	handler := NewHealthHandler(nil, nil)

	req := httptest.NewRequest("POST", "/api/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestVersionHandler_ReturnsJSON(t *testing.T) {
	handler := NewVersionHandler(nil)

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if _, ok := body["version"]; !ok {
		t.Error("expected version field in response")
	}
	if _, ok := body["build"]; !ok {
		t.Error("expected build field in response")
	}
	if _, ok := body["git_commit"]; !ok {
		t.Error("expected git_commit field in response")
	}
}

func TestVersionHandler_RejectsNonGET(t *testing.T) {
	handler := NewVersionHandler(nil)

	req := httptest.NewRequest("DELETE", "/api/version", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestRequireMethod_Matches(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	ok := RequireMethod(w, req, "GET")
	if !ok {
		t.Error("expected RequireMethod to return true for matching method")
	}
}

func TestRequireMethod_Mismatch(t *testing.T) {
	req := httptest.NewRequest("POST", "/test", nil)
	w := httptest.NewRecorder()

	ok := RequireMethod(w, req, "GET")
	if ok {
		t.Error("expected RequireMethod to return false for mismatching method")
	}
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	data := map[string]string{"key": "value"}
	WriteJSON(w, http.StatusCreated, data)

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}

	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", w.Header().Get("Content-Type"))
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if body["key"] != "value" {
		t.Errorf("expected key=value, got key=%s", body["key"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusBadRequest, "something went wrong")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if body["error"] != "something went wrong" {
		t.Errorf("expected error message 'something went wrong', got %s", body["error"])
	}
	if body["status"] != "error" {
		t.Errorf("expected status 'error', got %s", body["status"])
	}
}

func TestHealthHandler_ReportsVMServiceState(t *testing.T) {
	connected := false
	handler := NewHealthHandler(nil, func() bool { return connected })

	for _, want := range []string{"disconnected", "connected"} {
		req := httptest.NewRequest("GET", "/api/health", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if w.Code != http.StatusOK || body["vm_service"] != want {
			t.Errorf("expected 200 with vm_service=%s, got %d %v", want, w.Code, body)
		}
		connected = true
	}
}

type fakeStatus struct{}

func (fakeStatus) Status() discovery.Status {
	return discovery.Status{State: "registered", Connected: true, AppID: "app1", LastPull: time.Unix(0, 0).UTC()}
}

type fakeStats struct{}

func (fakeStats) Stats() registry.Stats {
	return registry.Stats{Tools: 2, Resources: 1, App: &registry.AppInfo{ID: "app1", Port: 8181}}
}

func TestStatusHandler_ReturnsDiscoveryAndRegistry(t *testing.T) {
	handler := NewStatusHandler(nil, fakeStatus{}, fakeStats{})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Discovery.AppID != "app1" || !body.Discovery.Connected {
		t.Errorf("unexpected discovery status %+v", body.Discovery)
	}
	if body.Registry.Tools != 2 || body.Registry.App == nil || body.Registry.App.Port != 8181 {
		t.Errorf("unexpected registry stats %+v", body.Registry)
	}
}

func TestStatusHandler_RejectsNonGET(t *testing.T) {
	handler := NewStatusHandler(nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestRequireMethod_SetsAllowHeader(t *testing.T) {
	req := httptest.NewRequest("DELETE", "/api/status", nil)
	w := httptest.NewRecorder()

	RequireMethod(w, req, "GET")

	if w.Header().Get("Allow") != "GET" {
		t.Errorf("expected Allow: GET, got %q", w.Header().Get("Allow"))
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if body["error"] != "method DELETE not allowed" {
		t.Errorf("unexpected error message %q", body["error"])
	}
}

func TestRequireMethod_AcceptsHeadForGet(t *testing.T) {
	req := httptest.NewRequest("HEAD", "/api/health", nil)
	w := httptest.NewRecorder()

	if !RequireMethod(w, req, "GET") {
		t.Error("expected HEAD to be accepted for GET")
	}
}

func TestWriteJSON_NotCached(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]int{"tools": 2})

	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", w.Header().Get("Cache-Control"))
	}
}

func TestNotFound(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/tools", nil)
	w := httptest.NewRecorder()

	NotFound(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if body["error"] != "no endpoint at /api/tools" {
		t.Errorf("unexpected error message %q", body["error"])
	}
}
