package handlers

import (
	"context"
	"net/http"
	"strings"

	logpkg "github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/request"
	"github.com/benvon/picklepal/internal/services/activity"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/benvon/picklepal/internal/validation"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DefaultPruneDays is used when the prune request names no age
const DefaultPruneDays = 90

// ContextManager is the memory surface exposed over HTTP
type ContextManager interface {
	StoreContext(ctx context.Context, userID uuid.UUID, kind models.ContextKind, content string, tags []string, metadata map[string]any) (*models.ContextEntry, error)
	ExportUserContext(ctx context.Context, userID uuid.UUID) (*memory.UserContextExport, error)
	ClearUserContext(ctx context.Context, userID uuid.UUID) error
	PruneOldContext(ctx context.Context, userID uuid.UUID, daysOld int) (int, error)
}

var _ ContextManager = (*memory.Store)(nil)

// ActivityEraser drops a user's activity log, the source insights are derived from
type ActivityEraser interface {
	ClearUser(ctx context.Context, userID uuid.UUID) error
}

var _ ActivityEraser = (*activity.Analyzer)(nil)

// ContextHandler handles the user's stored AI context
type ContextHandler struct {
	store    ContextManager
	activity ActivityEraser
	logger   *zap.Logger
}

// NewContextHandler creates a new context handler
func NewContextHandler(store ContextManager, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{store: store, logger: logpkg.Component(logger, "context_handler")}
}

// WithActivity makes Clear also erase the user's activity log so cleared memory is not
// refilled with insights
func (h *ContextHandler) WithActivity(a ActivityEraser) *ContextHandler {
	h.activity = a
	return h
}

// RegisterRoutes registers context routes on the given router
// The router should already have the /api/v1/ai/context prefix
func (h *ContextHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.StorePreference).Methods("POST")
	r.HandleFunc("", h.Clear).Methods("DELETE")
	r.HandleFunc("/export", h.Export).Methods("GET")
	r.HandleFunc("/prune", h.Prune).Methods("POST")
}

// StoreContextRequest stores an explicit user statement, a preference unless kind says otherwise
type StoreContextRequest struct {
	Content  string         `json:"content" validate:"required,max=4000"`
	Kind     string         `json:"kind" validate:"omitempty,context_kind"`
	Tags     []string       `json:"tags" validate:"omitempty,max=20,dive,max=64"`
	Metadata map[string]any `json:"metadata"`
}

// StorePreference stores a context entry for the current user
func (h *ContextHandler) StorePreference(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req StoreContextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	req.Content = validation.SanitizeText(req.Content)
	if err := validation.Validate.Struct(req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", strings.Join(validation.FieldErrors(err), "; "))
		return
	}
	kind := models.ContextKindPreference
	if req.Kind != "" {
		kind = models.ContextKind(req.Kind)
	}

	entry, err := h.store.StoreContext(r.Context(), user.ID, kind, req.Content, req.Tags, req.Metadata)
	if err != nil {
		h.fail(w, r, user.ID, "context_store_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// Export returns everything remembered about the current user
func (h *ContextHandler) Export(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	export, err := h.store.ExportUserContext(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, user.ID, "context_export_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, export)
}

// Clear erases the current user's memory
func (h *ContextHandler) Clear(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.activity != nil {
		if err := h.activity.ClearUser(r.Context(), user.ID); err != nil {
			h.fail(w, r, user.ID, "activity_clear_failed", err)
			return
		}
	}
	if err := h.store.ClearUserContext(r.Context(), user.ID); err != nil {
		h.fail(w, r, user.ID, "context_clear_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneResponse reports how many entries a prune removed
type PruneResponse struct {
	Removed int `json:"removed"`
	DaysOld int `json:"days_old"`
}

// Prune removes the current user's entries older than ?days=N
func (h *ContextHandler) Prune(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	days, err := request.QueryInt(r, "days", DefaultPruneDays)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if days < 0 {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "days must not be negative")
		return
	}
	removed, err := h.store.PruneOldContext(r.Context(), user.ID, days)
	if err != nil {
		h.fail(w, r, user.ID, "context_prune_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, PruneResponse{Removed: removed, DaysOld: days})
}

func (h *ContextHandler) fail(w http.ResponseWriter, r *http.Request, userID uuid.UUID, event string, err error) {
	h.logger.Error(event,
		zap.String("user_id", logpkg.SanitizeUserID(userID.String())),
		zap.String("request_id", request.RequestID(r)),
		zap.String("error", logpkg.SanitizeError(err)),
	)
	respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to update context")
}
