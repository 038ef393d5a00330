package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Tuesday
var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	calls [][]models.UserInsight
	err   error
}

func (s *recordingSink) PublishInsights(_ context.Context, _ uuid.UUID, insights []models.UserInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, insights)
	return s.err
}

func (s *recordingSink) last() []models.UserInsight {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

var _ InsightSink = (*recordingSink)(nil)

func seconds(v float64) *float64 { return &v }

func insightTypes(insights []models.UserInsight) []string {
	out := make([]string, 0, len(insights))
	for _, in := range insights {
		out = append(out, in.InsightType)
	}
	return out
}

func findInsight(insights []models.UserInsight, insightType string) (models.UserInsight, bool) {
	for _, in := range insights {
		if in.InsightType == insightType {
			return in, true
		}
	}
	return models.UserInsight{}, false
}

func TestEngagementScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		typ      models.ActivityType
		duration *float64
		metadata map[string]any
		want     float64
	}{
		{"session baseline", models.ActivityTypeSession, nil, nil, 0.6},
		{"gameplay baseline", models.ActivityTypeGameplay, nil, nil, 0.7},
		{"recommendation baseline", models.ActivityTypeRecommendation, nil, nil, 0.4},
		{"invite baseline", models.ActivityTypeInvite, nil, nil, 0.55},
		{"chat baseline", models.ActivityTypeChat, nil, nil, 0.5},
		{"exactly ten minutes earns nothing", models.ActivityTypeSession, seconds(600), nil, 0.6},
		{"long duration bonus", models.ActivityTypeSession, seconds(601), nil, 0.75},
		{"one social flag", models.ActivityTypeInvite, nil, map[string]any{"social": true}, 0.6},
		{"string and number flags", models.ActivityTypeChat, nil, map[string]any{"multiplayer": "true", "competitive": 1.0}, 0.6},
		{"false flags ignored", models.ActivityTypeChat, nil, map[string]any{"multiplayer": false, "social": "false", "competitive": 0.0}, 0.5},
		{"clamped to one", models.ActivityTypeMatch, seconds(3600), map[string]any{"multiplayer": true, "competitive": true, "social": true}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EngagementScore(tt.typ, tt.duration, tt.metadata)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestClassifyTrend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		recent, previous int
		want             models.Trend
	}{
		{10, 5, models.TrendIncreasing},
		{6, 5, models.TrendStable},
		{7, 5, models.TrendIncreasing},
		{4, 5, models.TrendStable},
		{3, 5, models.TrendDecreasing},
		{0, 0, models.TrendStable},
		{1, 0, models.TrendIncreasing},
		{0, 2, models.TrendDecreasing},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyTrend(tt.recent, tt.previous), "recent=%d previous=%d", tt.recent, tt.previous)
	}
}

func TestRecordActivity_Validation(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(nil, nil)
	_, err := a.RecordActivity(context.Background(), uuid.New(), "dancing", "x", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = a.RecordActivity(context.Background(), uuid.New(), models.ActivityTypeSession, "x", seconds(-1), nil)
	assert.Error(t, err)
}

func TestRecordActivity_IncreasingTrendAndInsights(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime.Add(-10 * 24 * time.Hour)}
	sink := &recordingSink{}
	a := NewAnalyzer(storage.NewMemoryStore(), nil, WithClock(clock.Now), WithSink(sink))
	userID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := a.RecordActivity(ctx, userID, models.ActivityTypeSession, "open_app", nil, nil)
		require.NoError(t, err)
	}
	clock.Set(baseTime.Add(-2 * time.Hour))
	for i := 0; i < 9; i++ {
		_, err := a.RecordActivity(ctx, userID, models.ActivityTypeSession, "open_app", nil, nil)
		require.NoError(t, err)
	}
	clock.Set(baseTime)
	rec, err := a.RecordActivity(ctx, userID, models.ActivityTypeSession, "open_app", nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, rec.EngagementScore, 1e-9)
	assert.Equal(t, baseTime, rec.Timestamp)

	analytics, err := a.GetUserAnalytics(ctx, userID)
	require.NoError(t, err)
	require.Len(t, analytics.Patterns, 1)
	p := analytics.Patterns[0]
	assert.Equal(t, models.ActivityTypeSession, p.Type)
	assert.Equal(t, 15, p.Frequency)
	assert.Equal(t, models.TrendIncreasing, p.Trend)
	assert.Equal(t, baseTime, p.LastOccurrence)

	insights := sink.last()
	assert.Equal(t, []string{models.InsightGrowingInterest, models.InsightPrimaryActivity}, insightTypes(insights))
	growing, _ := findInsight(insights, models.InsightGrowingInterest)
	assert.InDelta(t, 0.8, growing.Confidence, 1e-9)
	assert.Contains(t, growing.Description, "session")
	primary, _ := findInsight(insights, models.InsightPrimaryActivity)
	assert.InDelta(t, 1.0, primary.Confidence, 1e-9)
	assert.Len(t, sink.calls, 15, "every record publishes a fresh set")
}

func TestRecordActivity_HighEngagementAndLongSessions(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime}
	sink := &recordingSink{}
	a := NewAnalyzer(nil, nil, WithClock(clock.Now), WithSink(sink))
	userID := uuid.New()

	_, err := a.RecordActivity(context.Background(), userID, models.ActivityTypeSession, "court_time", seconds(4000), nil)
	require.NoError(t, err)

	insights := sink.last()
	assert.Equal(t, []string{
		models.InsightHighEngagement,
		models.InsightGrowingInterest,
		models.InsightPrimaryActivity,
		models.InsightLongSessions,
	}, insightTypes(insights))
	high, _ := findInsight(insights, models.InsightHighEngagement)
	assert.InDelta(t, 0.75, high.Confidence, 1e-9)
	assert.True(t, high.Actionable)
	assert.NotEmpty(t, high.Recommendation)
	long, _ := findInsight(insights, models.InsightLongSessions)
	assert.InDelta(t, 0.7, long.Confidence, 1e-9)
	for _, in := range insights {
		assert.Equal(t, userID, in.UserID)
		assert.Equal(t, baseTime, in.Timestamp)
	}
}

func TestGenerateInsights_PrimaryTieUsesTypeOrder(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	records := []models.ActivityRecord{
		{Type: models.ActivityTypeChat, Timestamp: baseTime, EngagementScore: 0.5},
		{Type: models.ActivityTypeMatch, Timestamp: baseTime, EngagementScore: 0.5},
	}
	patterns := ComputePatterns(userID, records, baseTime)
	insights := GenerateInsights(userID, records, patterns, baseTime)
	primary, ok := findInsight(insights, models.InsightPrimaryActivity)
	require.True(t, ok)
	assert.Contains(t, primary.Description, "match")
	assert.InDelta(t, 0.5, primary.Confidence, 1e-9)

	assert.Nil(t, GenerateInsights(userID, nil, nil, baseTime))
}

func TestReanalyze_Inactivity(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime}
	sink := &recordingSink{}
	a := NewAnalyzer(storage.NewMemoryStore(), nil, WithClock(clock.Now), WithSink(sink))
	userID := uuid.New()
	ctx := context.Background()

	_, err := a.RecordActivity(ctx, userID, models.ActivityTypeMatch, "played", nil, nil)
	require.NoError(t, err)
	_, found := findInsight(sink.last(), models.InsightInactivity)
	assert.False(t, found)

	clock.Advance(8 * 24 * time.Hour)
	insights, err := a.Reanalyze(ctx, userID)
	require.NoError(t, err)
	in, found := findInsight(insights, models.InsightInactivity)
	require.True(t, found)
	assert.InDelta(t, 1.0, in.Confidence, 1e-9)
	assert.Equal(t, insights, sink.last())

	analytics, err := a.GetUserAnalytics(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.TrendDecreasing, analytics.Patterns[0].Trend)

	none, err := a.Reanalyze(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordActivity_SinkErrorDoesNotFail(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{err: errors.New("queue down")}
	a := NewAnalyzer(nil, nil, WithSink(sink))
	_, err := a.RecordActivity(context.Background(), uuid.New(), models.ActivityTypeChat, "asked", nil, nil)
	assert.NoError(t, err)
	assert.Len(t, sink.calls, 1)
}

func TestGetUserAnalytics(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime}
	a := NewAnalyzer(nil, nil, WithClock(clock.Now))
	userID := uuid.New()
	ctx := context.Background()

	empty, err := a.GetUserAnalytics(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalActivities)
	assert.Empty(t, empty.Patterns)
	assert.Equal(t, models.ActivityType(""), empty.MostFrequentType)

	_, _ = a.RecordActivity(ctx, userID, models.ActivityTypeSession, "court", seconds(1200), nil)
	_, _ = a.RecordActivity(ctx, userID, models.ActivityTypeChat, "ask", nil, nil)
	_, _ = a.RecordActivity(ctx, userID, models.ActivityTypeChat, "ask", nil, nil)

	got, err := a.GetUserAnalytics(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalActivities)
	assert.InDelta(t, 20.0, got.ActiveMinutes, 1e-9)
	assert.InDelta(t, (0.75+0.5+0.5)/3, got.AvgEngagement, 1e-9)
	assert.Equal(t, models.ActivityTypeChat, got.MostFrequentType)
	require.Len(t, got.Patterns, 2)
	assert.Equal(t, models.ActivityTypeSession, got.Patterns[0].Type)
	assert.InDelta(t, 1200.0, got.Patterns[0].AvgDuration, 1e-9)
	assert.Equal(t, models.ActivityTypeChat, got.Patterns[1].Type)
	assert.Zero(t, got.Patterns[1].AvgDuration)
}

func TestGetActivityHeatmap(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime}
	a := NewAnalyzer(nil, nil, WithClock(clock.Now))
	userID := uuid.New()
	ctx := context.Background()

	for _, offset := range []time.Duration{0, 10 * time.Minute, time.Hour, 24 * time.Hour} {
		clock.Set(baseTime.Add(offset))
		_, err := a.RecordActivity(ctx, userID, models.ActivityTypeMatch, "played", nil, nil)
		require.NoError(t, err)
	}

	heatmap, err := a.GetActivityHeatmap(ctx, userID, baseTime, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2_12": 2, "2_13": 1}, heatmap)

	heatmap, err = a.GetActivityHeatmap(ctx, userID, baseTime.Add(time.Hour), baseTime.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2_13": 1, "3_12": 1}, heatmap)

	empty, err := a.GetActivityHeatmap(ctx, userID, baseTime, baseTime)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = a.GetActivityHeatmap(ctx, userID, baseTime, baseTime.Add(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestHeatmapKey_UsesUTC(t *testing.T) {
	t.Parallel()
	zone := time.FixedZone("UTC-5", -5*3600)
	// 20:00 Monday at UTC-5 is 01:00 Tuesday in UTC
	assert.Equal(t, "2_1", HeatmapKey(time.Date(2026, 3, 9, 20, 0, 0, 0, zone)))
}

func TestAnalyzer_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemoryStore()
	clock := &fakeClock{t: baseTime}
	userID := uuid.New()
	ctx := context.Background()

	first := NewAnalyzer(kv, nil, WithClock(clock.Now))
	_, err := first.RecordActivity(ctx, userID, models.ActivityTypeInvite, "sent", nil, map[string]any{"social": true})
	require.NoError(t, err)

	second := NewAnalyzer(kv, nil, WithClock(clock.Now))
	records := second.Records(ctx, userID)
	require.Len(t, records, 1)
	assert.Equal(t, models.ActivityTypeInvite, records[0].Type)
	assert.InDelta(t, 0.6, records[0].EngagementScore, 1e-9)

	_, err = second.RecordActivity(ctx, userID, models.ActivityTypeInvite, "sent", nil, nil)
	require.NoError(t, err)
	assert.Len(t, first.Records(ctx, userID), 2)
}

func TestRecordActivity_Concurrent(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(storage.NewMemoryStore(), nil)
	userID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.RecordActivity(context.Background(), userID, models.ActivityTypeGameplay, "rally", nil, nil)
		}()
	}
	wg.Wait()
	assert.Len(t, a.Records(context.Background(), userID), 40)
}

// flakyKV wraps a MemoryStore and can refuse writes while still serving reads
type flakyKV struct {
	*storage.MemoryStore
	mu           sync.Mutex
	rejectWrites bool
}

func (f *flakyKV) reject(v bool) {
	f.mu.Lock()
	f.rejectWrites = v
	f.mu.Unlock()
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	reject := f.rejectWrites
	f.mu.Unlock()
	if reject {
		return errors.New("OOM command not allowed")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *flakyKV) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	reject := f.rejectWrites
	f.mu.Unlock()
	if reject {
		return errors.New("OOM command not allowed")
	}
	return f.MemoryStore.Remove(ctx, key)
}

var _ storage.Store = (*flakyKV)(nil)

func TestRecordActivity_RejectedWritesKeepRecords(t *testing.T) {
	t.Parallel()
	kv := &flakyKV{MemoryStore: storage.NewMemoryStore(), rejectWrites: true}
	clock := &fakeClock{t: baseTime}
	userID := uuid.New()
	ctx := context.Background()

	a := NewAnalyzer(kv, nil, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		_, err := a.RecordActivity(ctx, userID, models.ActivityTypeMatch, "played", nil, nil)
		require.NoError(t, err)
	}

	analytics, err := a.GetUserAnalytics(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, analytics.TotalActivities)
	require.Len(t, analytics.Patterns, 1)
	assert.Equal(t, 3, analytics.Patterns[0].Frequency)

	// once the store accepts writes again the next access flushes the log
	kv.reject(false)
	assert.Len(t, a.Records(ctx, userID), 3)
	other := NewAnalyzer(kv, nil, WithClock(clock.Now))
	assert.Len(t, other.Records(ctx, userID), 3)
}

func TestClearUser(t *testing.T) {
	t.Parallel()
	kv := &flakyKV{MemoryStore: storage.NewMemoryStore()}
	userID := uuid.New()
	ctx := context.Background()

	a := NewAnalyzer(kv, nil, WithClock((&fakeClock{t: baseTime}).Now))
	_, err := a.RecordActivity(ctx, userID, models.ActivityTypeChat, "asked", nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.ClearUser(ctx, userID))
	assert.Empty(t, a.Records(ctx, userID))
	assert.Empty(t, NewAnalyzer(kv, nil).Records(ctx, userID))

	insights, err := a.Reanalyze(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, insights, "nothing left to derive insights from")

	t.Run("removal failure is returned", func(t *testing.T) {
		_, err := a.RecordActivity(ctx, userID, models.ActivityTypeChat, "asked", nil, nil)
		require.NoError(t, err)
		kv.reject(true)
		defer kv.reject(false)
		assert.Error(t, a.ClearUser(ctx, userID))
		assert.Empty(t, a.Records(ctx, userID))
	})
}
