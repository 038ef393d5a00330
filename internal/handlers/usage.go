package handlers

import (
	"net/http"

	"github.com/benvon/picklepal/internal/services/optimizer"
	"github.com/gorilla/mux"
)

// UsageReporter reports optimizer counters
type UsageReporter interface {
	Usage() optimizer.Usage
}

var _ UsageReporter = (*optimizer.Optimizer)(nil)

// UsageHandler serves AI usage and cost figures
type UsageHandler struct {
	reporter UsageReporter
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(reporter UsageReporter) *UsageHandler {
	return &UsageHandler{reporter: reporter}
}

// RegisterRoutes registers usage routes on the given router
// The router should already have the /api/v1/ai prefix
func (h *UsageHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/usage", h.GetUsage).Methods("GET")
}

// GetUsage returns request counts, the cache hit ratio and the cost projection
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.reporter.Usage())
}
