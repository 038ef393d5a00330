package activity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockInsightWriter struct {
	ReplaceInsightsFunc func(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error
}

func (m *mockInsightWriter) ReplaceInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error {
	return m.ReplaceInsightsFunc(ctx, userID, insights)
}

var _ InsightWriter = (*mockInsightWriter)(nil)

func TestAsyncSink_AppliesInOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var applied []string
	writer := &mockInsightWriter{ReplaceInsightsFunc: func(_ context.Context, _ uuid.UUID, insights []models.UserInsight) error {
		mu.Lock()
		defer mu.Unlock()
		if len(insights) == 0 {
			return errors.New("empty set")
		}
		applied = append(applied, insights[0].Description)
		return nil
	}}
	sink := NewAsyncSink(writer, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	userID := uuid.New()
	for _, d := range []string{"first", "second", "third"} {
		require.NoError(t, sink.PublishInsights(ctx, userID, []models.UserInsight{{Description: d}}))
	}
	require.NoError(t, sink.PublishInsights(ctx, userID, nil))
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, applied)
}

func TestAsyncSink_PublishHonorsContext(t *testing.T) {
	t.Parallel()
	sink := NewAsyncSink(&mockInsightWriter{}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sink.PublishInsights(ctx, uuid.New(), nil))
	cancel()
	err := sink.PublishInsights(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyzer_WithAsyncSinkReplacesInsights(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []models.UserInsight
	writer := &mockInsightWriter{ReplaceInsightsFunc: func(_ context.Context, _ uuid.UUID, insights []models.UserInsight) error {
		mu.Lock()
		got = insights
		mu.Unlock()
		return nil
	}}
	sink := NewAsyncSink(writer, 8, nil)
	go sink.Run(context.Background())

	a := NewAnalyzer(nil, nil, WithSink(sink))
	_, err := a.RecordActivity(context.Background(), uuid.New(), models.ActivityTypeMatch, "played", nil, nil)
	require.NoError(t, err)
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, got)
}

func TestSyncSink(t *testing.T) {
	t.Parallel()
	calls := 0
	s := SyncSink{Writer: &mockInsightWriter{ReplaceInsightsFunc: func(context.Context, uuid.UUID, []models.UserInsight) error {
		calls++
		return nil
	}}}
	require.NoError(t, s.PublishInsights(context.Background(), uuid.New(), nil))
	assert.Equal(t, 1, calls)
}
