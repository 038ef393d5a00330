package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/middleware"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/request"
	"github.com/benvon/picklepal/internal/services/ai"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/benvon/picklepal/internal/services/optimizer"
	"github.com/google/uuid"
)

type mockResponder struct {
	RespondFunc func(ctx context.Context, userID uuid.UUID, in ai.ChatInput) (*ai.ChatResult, error)
}

func (m *mockResponder) Respond(ctx context.Context, userID uuid.UUID, in ai.ChatInput) (*ai.ChatResult, error) {
	return m.RespondFunc(ctx, userID, in)
}

var _ Responder = (*mockResponder)(nil)

type mockContextManager struct {
	StoreContextFunc      func(ctx context.Context, userID uuid.UUID, kind models.ContextKind, content string, tags []string, metadata map[string]any) (*models.ContextEntry, error)
	ExportUserContextFunc func(ctx context.Context, userID uuid.UUID) (*memory.UserContextExport, error)
	ClearUserContextFunc  func(ctx context.Context, userID uuid.UUID) error
	PruneOldContextFunc   func(ctx context.Context, userID uuid.UUID, daysOld int) (int, error)
}

func (m *mockContextManager) StoreContext(ctx context.Context, userID uuid.UUID, kind models.ContextKind, content string, tags []string, metadata map[string]any) (*models.ContextEntry, error) {
	return m.StoreContextFunc(ctx, userID, kind, content, tags, metadata)
}

func (m *mockContextManager) ExportUserContext(ctx context.Context, userID uuid.UUID) (*memory.UserContextExport, error) {
	return m.ExportUserContextFunc(ctx, userID)
}

func (m *mockContextManager) ClearUserContext(ctx context.Context, userID uuid.UUID) error {
	return m.ClearUserContextFunc(ctx, userID)
}

type mockActivityEraser struct {
	ClearUserFunc func(ctx context.Context, userID uuid.UUID) error
}

func (m *mockActivityEraser) ClearUser(ctx context.Context, userID uuid.UUID) error {
	return m.ClearUserFunc(ctx, userID)
}

var _ ActivityEraser = (*mockActivityEraser)(nil)

func (m *mockContextManager) PruneOldContext(ctx context.Context, userID uuid.UUID, daysOld int) (int, error) {
	return m.PruneOldContextFunc(ctx, userID, daysOld)
}

var _ ContextManager = (*mockContextManager)(nil)

type mockActivityService struct {
	RecordActivityFunc     func(ctx context.Context, userID uuid.UUID, activityType models.ActivityType, action string, duration *float64, metadata map[string]any) (*models.ActivityRecord, error)
	GetUserAnalyticsFunc   func(ctx context.Context, userID uuid.UUID) (*models.UserAnalytics, error)
	GetActivityHeatmapFunc func(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[string]int, error)
}

func (m *mockActivityService) RecordActivity(ctx context.Context, userID uuid.UUID, activityType models.ActivityType, action string, duration *float64, metadata map[string]any) (*models.ActivityRecord, error) {
	return m.RecordActivityFunc(ctx, userID, activityType, action, duration, metadata)
}

func (m *mockActivityService) GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*models.UserAnalytics, error) {
	return m.GetUserAnalyticsFunc(ctx, userID)
}

func (m *mockActivityService) GetActivityHeatmap(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[string]int, error) {
	return m.GetActivityHeatmapFunc(ctx, userID, start, end)
}

var _ ActivityService = (*mockActivityService)(nil)

type mockUsageReporter struct {
	usage optimizer.Usage
}

func (m *mockUsageReporter) Usage() optimizer.Usage { return m.usage }

var _ UsageReporter = (*mockUsageReporter)(nil)

func testUser() *models.User {
	return &models.User{ID: uuid.New(), Email: "player@example.com"}
}

// newRequest builds a request, attaching user when it is not nil
func newRequest(method, target, body string, user *models.User) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req = req.WithContext(middleware.SetUserInContext(req.Context(), user))
	}
	return req
}

func requestIDContext(r *http.Request, id string) context.Context {
	return request.WithRequestID(r.Context(), id)
}
