// Package activity turns raw activity events into per-type patterns and behavioral insights.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "activity:"

var (
	// ErrInvalidType is returned for an unknown activity type
	ErrInvalidType = errors.New("invalid activity type")
	// ErrInvalidRange is returned when a heatmap range ends before it starts
	ErrInvalidRange = errors.New("end must not be before start")
)

// InsightSink receives each freshly generated insight set. Implementations replace the
// previous set for the user.
type InsightSink interface {
	PublishInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithSink sets where insight sets are published
func WithSink(sink InsightSink) Option {
	return func(a *Analyzer) { a.sink = sink }
}

// Analyzer holds every user's activity log and the derived patterns and insights
type Analyzer struct {
	kv     storage.Store
	sink   InsightSink
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	users map[uuid.UUID]*userActivity
}

type userActivity struct {
	mu    sync.Mutex
	state activityState
	// dirty is set while state holds changes the durable store has not accepted
	dirty bool
}

// activityState is the persisted form of a user's activity
type activityState struct {
	Records  []models.ActivityRecord  `json:"records"`
	Patterns []models.ActivityPattern `json:"patterns"`
	Insights []models.UserInsight     `json:"insights"`
}

// NewAnalyzer creates an analyzer. kv may be nil for a process-local analyzer.
func NewAnalyzer(kv storage.Store, log *zap.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		kv:     kv,
		now:    time.Now,
		logger: logger.Component(log, "activity"),
		users:  make(map[uuid.UUID]*userActivity),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func storageKey(userID uuid.UUID) string {
	return keyPrefix + userID.String()
}

func (a *Analyzer) acquire(ctx context.Context, userID uuid.UUID) *userActivity {
	a.mu.Lock()
	ua, ok := a.users[userID]
	if !ok {
		ua = &userActivity{}
		a.users[userID] = ua
	}
	a.mu.Unlock()

	ua.mu.Lock()
	a.refresh(ctx, userID, ua)
	return ua
}

func (a *Analyzer) refresh(ctx context.Context, userID uuid.UUID, ua *userActivity) {
	if a.kv == nil {
		return
	}
	if ua.dirty {
		a.persist(ctx, userID, ua)
		return
	}
	data, err := a.kv.Get(ctx, storageKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		ua.state = activityState{}
		return
	}
	if err != nil {
		a.logger.Warn("activity_load_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		return
	}
	var st activityState
	if err := json.Unmarshal(data, &st); err != nil {
		a.logger.Warn("activity_decode_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		return
	}
	ua.state = st
}

// persist writes the user's state. A failed write leaves it dirty so the next access
// retries it rather than reloading the older durable copy.
func (a *Analyzer) persist(ctx context.Context, userID uuid.UUID, ua *userActivity) {
	if a.kv == nil {
		return
	}
	st := &ua.state
	data, err := json.Marshal(st)
	if err == nil {
		err = a.kv.Set(ctx, storageKey(userID), data)
	}
	if err != nil {
		a.logger.Warn("activity_persist_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.Int("record_count", len(st.Records)),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
	ua.dirty = err != nil
}

// RecordActivity appends a scored record and synchronously recomputes the user's patterns
// and insights. The new insight set is handed to the sink before the call returns.
func (a *Analyzer) RecordActivity(ctx context.Context, userID uuid.UUID, activityType models.ActivityType, action string, duration *float64, metadata map[string]any) (*models.ActivityRecord, error) {
	if !activityType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, activityType)
	}
	if duration != nil && *duration < 0 {
		return nil, fmt.Errorf("duration must not be negative")
	}

	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()

	rec := models.ActivityRecord{
		ID:              uuid.New(),
		UserID:          userID,
		Type:            activityType,
		Action:          action,
		Timestamp:       a.now(),
		Duration:        duration,
		Metadata:        metadata,
		EngagementScore: EngagementScore(activityType, duration, metadata),
	}
	ua.state.Records = append(ua.state.Records, rec)
	a.analyzeLocked(ctx, userID, ua)

	a.logger.Debug("activity_recorded",
		zap.String("user_id", logger.SanitizeUserID(userID.String())),
		zap.String("type", string(activityType)),
		zap.Float64("engagement_score", rec.EngagementScore),
	)
	return &rec, nil
}

// Reanalyze recomputes patterns and insights against the current time without a new
// record, so time-based insights such as inactivity can appear.
func (a *Analyzer) Reanalyze(ctx context.Context, userID uuid.UUID) ([]models.UserInsight, error) {
	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()
	if len(ua.state.Records) == 0 {
		return nil, nil
	}
	a.analyzeLocked(ctx, userID, ua)
	return append([]models.UserInsight(nil), ua.state.Insights...), nil
}

func (a *Analyzer) analyzeLocked(ctx context.Context, userID uuid.UUID, ua *userActivity) {
	now := a.now()
	ua.state.Patterns = ComputePatterns(userID, ua.state.Records, now)
	ua.state.Insights = GenerateInsights(userID, ua.state.Records, ua.state.Patterns, now)
	a.persist(ctx, userID, ua)

	if a.sink == nil {
		return
	}
	insights := append([]models.UserInsight(nil), ua.state.Insights...)
	if err := a.sink.PublishInsights(ctx, userID, insights); err != nil {
		a.logger.Warn("insight_publish_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.Int("insight_count", len(insights)),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
}

// GetUserAnalytics summarizes the user's activity log
func (a *Analyzer) GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*models.UserAnalytics, error) {
	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()
	st := &ua.state

	out := &models.UserAnalytics{
		TotalActivities:  len(st.Records),
		Patterns:         append([]models.ActivityPattern{}, st.Patterns...),
		Insights:         append([]models.UserInsight{}, st.Insights...),
		MostFrequentType: mostFrequentType(st.Records),
	}
	var seconds, engagement float64
	for _, r := range st.Records {
		if r.Duration != nil {
			seconds += *r.Duration
		}
		engagement += r.EngagementScore
	}
	out.ActiveMinutes = seconds / 60
	if len(st.Records) > 0 {
		out.AvgEngagement = engagement / float64(len(st.Records))
	}
	return out, nil
}

// GetActivityHeatmap counts records in [start, end) by "{weekday}_{hour}" in UTC, where
// weekday is 0 for Sunday through 6 for Saturday.
func (a *Analyzer) GetActivityHeatmap(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[string]int, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()

	heatmap := make(map[string]int)
	for _, r := range ua.state.Records {
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		heatmap[HeatmapKey(r.Timestamp)]++
	}
	return heatmap, nil
}

// HeatmapKey returns the bucket for t
func HeatmapKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d_%d", int(t.Weekday()), t.Hour())
}

// ClearUser erases the user's activity log, patterns and insights
func (a *Analyzer) ClearUser(ctx context.Context, userID uuid.UUID) error {
	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()

	ua.state = activityState{}
	if a.kv != nil {
		if err := a.kv.Remove(ctx, storageKey(userID)); err != nil {
			ua.dirty = true
			return fmt.Errorf("failed to clear activity: %w", err)
		}
	}
	ua.dirty = false
	a.logger.Info("activity_cleared", zap.String("user_id", logger.SanitizeUserID(userID.String())))
	return nil
}

// Records returns a copy of the user's activity log
func (a *Analyzer) Records(ctx context.Context, userID uuid.UUID) []models.ActivityRecord {
	ua := a.acquire(ctx, userID)
	defer ua.mu.Unlock()
	return append([]models.ActivityRecord(nil), ua.state.Records...)
}
