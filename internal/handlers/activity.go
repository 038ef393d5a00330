package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	logpkg "github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/request"
	"github.com/benvon/picklepal/internal/services/activity"
	"github.com/benvon/picklepal/internal/validation"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// defaultHeatmapWindow is used when the heatmap request names no start
const defaultHeatmapWindow = 30 * 24 * time.Hour

// ActivityService is the analyzer surface exposed over HTTP
type ActivityService interface {
	RecordActivity(ctx context.Context, userID uuid.UUID, activityType models.ActivityType, action string, duration *float64, metadata map[string]any) (*models.ActivityRecord, error)
	GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*models.UserAnalytics, error)
	GetActivityHeatmap(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[string]int, error)
}

var _ ActivityService = (*activity.Analyzer)(nil)

// ActivityHandler handles activity tracking requests
type ActivityHandler struct {
	analyzer ActivityService
	now      func() time.Time
	logger   *zap.Logger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(analyzer ActivityService, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{analyzer: analyzer, now: time.Now, logger: logpkg.Component(logger, "activity_handler")}
}

// RegisterRoutes registers activity routes on the given router
// The router should already have the /api/v1/activity prefix
func (h *ActivityHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.Record).Methods("POST")
	r.HandleFunc("/analytics", h.Analytics).Methods("GET")
	r.HandleFunc("/heatmap", h.Heatmap).Methods("GET")
}

// RecordActivityRequest is one activity event from the app
type RecordActivityRequest struct {
	Type     string         `json:"type" validate:"required,activity_type"`
	Action   string         `json:"action" validate:"required,max=128"`
	Duration *float64       `json:"duration" validate:"omitempty,gte=0"`
	Metadata map[string]any `json:"metadata"`
}

// Record stores an activity event and refreshes the user's insights
func (h *ActivityHandler) Record(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req RecordActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := validation.Validate.Struct(req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", strings.Join(validation.FieldErrors(err), "; "))
		return
	}

	rec, err := h.analyzer.RecordActivity(r.Context(), user.ID, models.ActivityType(req.Type), validation.SanitizeText(req.Action), req.Duration, req.Metadata)
	if errors.Is(err, activity.ErrInvalidType) {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err != nil {
		h.fail(w, r, user.ID, "activity_record_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

// Analytics returns the user's activity summary, patterns and insights
func (h *ActivityHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	analytics, err := h.analyzer.GetUserAnalytics(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, user.ID, "activity_analytics_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}

// HeatmapResponse buckets activity by "{weekday}_{hour}" in UTC
type HeatmapResponse struct {
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	Heatmap map[string]int `json:"heatmap"`
}

// Heatmap counts activity in [start, end); the window defaults to the last 30 days
func (h *ActivityHandler) Heatmap(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	now := h.now().UTC()
	end, err := request.QueryTime(r, "end", now)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	start, err := request.QueryTime(r, "start", end.Add(-defaultHeatmapWindow))
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	heatmap, err := h.analyzer.GetActivityHeatmap(r.Context(), user.ID, start, end)
	if errors.Is(err, activity.ErrInvalidRange) {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err != nil {
		h.fail(w, r, user.ID, "activity_heatmap_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, HeatmapResponse{Start: start, End: end, Heatmap: heatmap})
}

func (h *ActivityHandler) fail(w http.ResponseWriter, r *http.Request, userID uuid.UUID, event string, err error) {
	h.logger.Error(event,
		zap.String("user_id", logpkg.SanitizeUserID(userID.String())),
		zap.String("request_id", request.RequestID(r)),
		zap.String("error", logpkg.SanitizeError(err)),
	)
	respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to process activity")
}
