package handlers

import (
	"net/http"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/bobmcallan/vmbridge/internal/registry"
)

// DiscoveryStatus reports the VM service connection and registration state.
type DiscoveryStatus interface {
	Status() discovery.Status
}

// RegistryStats reports registry counts.
type RegistryStats interface {
	Stats() registry.Stats
}

// StatusHandler reports discovery state and registry counts.
type StatusHandler struct {
	logger    *common.Logger
	discovery DiscoveryStatus
	registry  RegistryStats
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(logger *common.Logger, d DiscoveryStatus, r RegistryStats) *StatusHandler {
	return &StatusHandler{logger: logger, discovery: d, registry: r}
}

type statusResponse struct {
	Discovery discovery.Status `json:"discovery"`
	Registry  registry.Stats   `json:"registry"`
}

// ServeHTTP handles GET /api/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	var resp statusResponse
	if h.discovery != nil {
		resp.Discovery = h.discovery.Status()
	}
	if h.registry != nil {
		resp.Registry = h.registry.Stats()
	}
	WriteJSON(w, http.StatusOK, resp)
}
