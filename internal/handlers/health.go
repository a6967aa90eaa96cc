package handlers

import (
	"net/http"

	"github.com/bobmcallan/vmbridge/internal/common"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	logger    *common.Logger
	connected func() bool
}

// NewHealthHandler creates a new health handler. connected, when set,
// reports whether the VM service connection is up.
func NewHealthHandler(logger *common.Logger, connected func() bool) *HealthHandler {
	return &HealthHandler{logger: logger, connected: connected}
}

// ServeHTTP handles GET /api/health. The bridge is healthy while it runs;
// a missing VM service connection is reported but is not a failure.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	body := map[string]string{"status": "ok"}
	if h.connected != nil {
		body["vm_service"] = "disconnected"
		if h.connected() {
			body["vm_service"] = "connected"
		}
	}
	WriteJSON(w, http.StatusOK, body)
}
