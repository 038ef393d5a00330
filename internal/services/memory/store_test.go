package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEmbedder struct {
	dim       int
	EmbedFunc func(ctx context.Context, text string) ([]float64, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return m.EmbedFunc(ctx, text)
}

func (m *mockEmbedder) Dimension() int { return m.dim }

var _ Embedder = (*mockEmbedder)(nil)

// constantEmbedder gives every text the same direction so ranking falls to recency
func constantEmbedder() *mockEmbedder {
	return &mockEmbedder{dim: 2, EmbedFunc: func(context.Context, string) ([]float64, error) {
		return []float64{1, 0}, nil
	}}
}

type mockKV struct {
	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	SetFunc    func(ctx context.Context, key string, value []byte) error
	RemoveFunc func(ctx context.Context, key string) error
}

func (m *mockKV) Get(ctx context.Context, key string) ([]byte, error) { return m.GetFunc(ctx, key) }
func (m *mockKV) Set(ctx context.Context, key string, value []byte) error {
	return m.SetFunc(ctx, key, value)
}
func (m *mockKV) Remove(ctx context.Context, key string) error { return m.RemoveFunc(ctx, key) }

var _ storage.Store = (*mockKV)(nil)

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

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestStoreContext(t *testing.T) {
	t.Parallel()

	t.Run("stores and persists", func(t *testing.T) {
		t.Parallel()
		kv := storage.NewMemoryStore()
		s := NewStore(NewHashEmbedder(0), kv, nil)
		userID := uuid.New()

		entry, err := s.StoreContext(context.Background(), userID, models.ContextKindPreference,
			"prefers morning doubles", []string{"schedule", "schedule", " "}, map[string]any{"source": "chat"})
		require.NoError(t, err)
		assert.Equal(t, userID, entry.UserID)
		assert.Len(t, entry.Embedding, DefaultHashDimension)
		assert.Equal(t, []string{"schedule"}, entry.Tags)
		assert.Equal(t, 1, kv.Len())

		// a second store over the same durable state sees the entry
		reopened := NewStore(NewHashEmbedder(0), kv, nil)
		export, err := reopened.ExportUserContext(context.Background(), userID)
		require.NoError(t, err)
		require.Len(t, export.Entries, 1)
		assert.Equal(t, "prefers morning doubles", export.Entries[0].Content)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		t.Parallel()
		s := NewStore(NewHashEmbedder(0), nil, nil)
		_, err := s.StoreContext(context.Background(), uuid.New(), models.ContextKind("secret"), "x", nil, nil)
		assert.ErrorIs(t, err, ErrInvalidKind)
		_, err = s.StoreContext(context.Background(), uuid.New(), models.ContextKindPreference, "   ", nil, nil)
		assert.ErrorIs(t, err, ErrEmptyContent)
	})

	t.Run("embedding failure stores zero vector", func(t *testing.T) {
		t.Parallel()
		emb := &mockEmbedder{dim: 8, EmbedFunc: func(context.Context, string) ([]float64, error) {
			return nil, errors.New("model unavailable")
		}}
		s := NewStore(emb, storage.NewMemoryStore(), nil)
		entry, err := s.StoreContext(context.Background(), uuid.New(), models.ContextKindConversation, "hello", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, make([]float64, 8), entry.Embedding)
	})

	t.Run("persistence failure is not returned", func(t *testing.T) {
		t.Parallel()
		kv := &mockKV{
			GetFunc:    func(context.Context, string) ([]byte, error) { return nil, errors.New("redis down") },
			SetFunc:    func(context.Context, string, []byte) error { return errors.New("redis down") },
			RemoveFunc: func(context.Context, string) error { return errors.New("redis down") },
		}
		s := NewStore(NewHashEmbedder(0), kv, nil)
		userID := uuid.New()
		_, err := s.StoreContext(context.Background(), userID, models.ContextKindConversation, "first", nil, nil)
		require.NoError(t, err)
		_, err = s.StoreContext(context.Background(), userID, models.ContextKindConversation, "second", nil, nil)
		require.NoError(t, err)

		// the in-process copy keeps serving while the durable tier is down
		export, err := s.ExportUserContext(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, export.Entries, 2)
	})

	t.Run("rejected write survives a readable store", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		var stored []byte
		rejectWrites := true
		kv := &mockKV{
			GetFunc: func(context.Context, string) ([]byte, error) {
				mu.Lock()
				defer mu.Unlock()
				if stored == nil {
					return nil, storage.ErrNotFound
				}
				return stored, nil
			},
			SetFunc: func(_ context.Context, _ string, value []byte) error {
				mu.Lock()
				defer mu.Unlock()
				if rejectWrites {
					return errors.New("OOM command not allowed")
				}
				stored = value
				return nil
			},
			RemoveFunc: func(context.Context, string) error { return nil },
		}
		s := NewStore(NewHashEmbedder(0), kv, nil)
		userID := uuid.New()

		_, err := s.StoreContext(context.Background(), userID, models.ContextKindPreference, "prefers doubles", nil, nil)
		require.NoError(t, err)

		export, err := s.ExportUserContext(context.Background(), userID)
		require.NoError(t, err)
		require.Len(t, export.Entries, 1, "entry must not be replaced by the empty durable copy")

		mu.Lock()
		rejectWrites = false
		mu.Unlock()

		// the next access flushes the outstanding write
		export, err = s.ExportUserContext(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, export.Entries, 1)
		mu.Lock()
		assert.NotNil(t, stored)
		mu.Unlock()

		// a fresh store now sees the entry through the durable tier
		other := NewStore(NewHashEmbedder(0), kv, nil)
		export, err = other.ExportUserContext(context.Background(), userID)
		require.NoError(t, err)
		require.Len(t, export.Entries, 1)
		assert.Equal(t, "prefers doubles", export.Entries[0].Content)
	})
}

func TestStoreContext_ConcurrentAppendsForOneUser(t *testing.T) {
	t.Parallel()
	s := NewStore(NewHashEmbedder(16), storage.NewMemoryStore(), nil)
	userID := uuid.New()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.StoreContext(context.Background(), userID, models.ContextKindActivity, "played a match", nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	export, err := s.ExportUserContext(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, export.Entries, n)
}

func TestRetrieveRelevantContext(t *testing.T) {
	t.Parallel()

	t.Run("ranks by similarity", func(t *testing.T) {
		t.Parallel()
		s := NewStore(NewHashEmbedder(0), nil, nil)
		userID := uuid.New()
		ctx := context.Background()
		for _, c := range []string{
			"likes playing doubles on weekend mornings",
			"owns a graphite paddle",
			"wants to improve backhand dink",
		} {
			_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, c, nil, nil)
			require.NoError(t, err)
		}

		got, err := s.RetrieveRelevantContext(ctx, userID, "improve my backhand dink", 2, nil)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "wants to improve backhand dink", got[0].Entry.Content)
		assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
		assert.Equal(t, got[0].Score, got[0].Entry.Relevance)
	})

	t.Run("ties prefer newer entries", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: baseTime}
		s := NewStore(constantEmbedder(), nil, nil, WithClock(clock.Now))
		userID := uuid.New()
		ctx := context.Background()
		for _, c := range []string{"old", "middle", "new"} {
			_, err := s.StoreContext(ctx, userID, models.ContextKindConversation, c, nil, nil)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		got, err := s.RetrieveRelevantContext(ctx, userID, "anything", 10, nil)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "new", got[0].Entry.Content)
		assert.Equal(t, "middle", got[1].Entry.Content)
		assert.Equal(t, "old", got[2].Entry.Content)
	})

	t.Run("filters", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: baseTime}
		s := NewStore(constantEmbedder(), nil, nil, WithClock(clock.Now))
		userID := uuid.New()
		ctx := context.Background()
		_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, "pref court", []string{"court"}, nil)
		require.NoError(t, err)
		clock.Advance(time.Hour)
		_, err = s.StoreContext(ctx, userID, models.ContextKindConversation, "chat court", []string{"court", "chat"}, nil)
		require.NoError(t, err)
		clock.Advance(time.Hour)
		_, err = s.StoreContext(ctx, userID, models.ContextKindActivity, "activity paddle", []string{"gear"}, nil)
		require.NoError(t, err)

		tests := []struct {
			name   string
			filter *Filter
			want   []string
		}{
			{"kind", &Filter{Kinds: []models.ContextKind{models.ContextKindPreference}}, []string{"pref court"}},
			{"tags any of", &Filter{Tags: []string{"gear", "chat"}}, []string{"activity paddle", "chat court"}},
			{"time range", &Filter{From: baseTime.Add(30 * time.Minute), To: baseTime.Add(90 * time.Minute)}, []string{"chat court"}},
			{"no match", &Filter{Tags: []string{"none"}}, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.RetrieveRelevantContext(ctx, userID, "court", 10, tt.filter)
				require.NoError(t, err)
				var contents []string
				for _, g := range got {
					contents = append(contents, g.Entry.Content)
				}
				assert.Equal(t, tt.want, contents)
			})
		}
	})
}

func TestBuildContextAwarePrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	message := strings.Repeat("m", 20) // 5 tokens

	t.Run("fills the budget in relevance order", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: baseTime}
		s := NewStore(constantEmbedder(), nil, nil, WithClock(clock.Now))
		userID := uuid.New()
		for _, c := range []string{"a", "b", "c"} {
			_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, strings.Repeat(c, 40), nil, nil)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		prompt, err := s.BuildContextAwarePrompt(ctx, userID, message, 25)
		require.NoError(t, err)
		assert.Contains(t, prompt, strings.Repeat("c", 40))
		assert.Contains(t, prompt, strings.Repeat("b", 40))
		assert.NotContains(t, prompt, strings.Repeat("a", 40))
		assert.True(t, strings.HasSuffix(prompt, message))
	})

	t.Run("stops at the first entry that overflows", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: baseTime}
		s := NewStore(constantEmbedder(), nil, nil, WithClock(clock.Now))
		userID := uuid.New()
		_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, strings.Repeat("s", 8), nil, nil)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = s.StoreContext(ctx, userID, models.ContextKindPreference, strings.Repeat("L", 100), nil, nil)
		require.NoError(t, err)

		prompt, err := s.BuildContextAwarePrompt(ctx, userID, message, 20)
		require.NoError(t, err)
		assert.Equal(t, message, prompt)
	})

	t.Run("message over budget is still sent", func(t *testing.T) {
		t.Parallel()
		s := NewStore(constantEmbedder(), nil, nil)
		userID := uuid.New()
		_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, "tiny", nil, nil)
		require.NoError(t, err)
		long := strings.Repeat("x", 400)
		prompt, err := s.BuildContextAwarePrompt(ctx, userID, long, 10)
		require.NoError(t, err)
		assert.Equal(t, long, prompt)
	})
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 10, EstimateTokens(strings.Repeat("z", 43)))
}

func TestPruneOldContext(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{}
	s := NewStore(NewHashEmbedder(0), storage.NewMemoryStore(), nil, WithClock(clock.Now))
	userID := uuid.New()
	ctx := context.Background()

	clock.Set(baseTime.Add(-31 * 24 * time.Hour))
	_, err := s.StoreContext(ctx, userID, models.ContextKindConversation, "thirty one days ago", nil, nil)
	require.NoError(t, err)
	clock.Set(baseTime.Add(-29 * 24 * time.Hour))
	_, err = s.StoreContext(ctx, userID, models.ContextKindConversation, "twenty nine days ago", nil, nil)
	require.NoError(t, err)
	clock.Set(baseTime)

	removed, err := s.PruneOldContext(ctx, userID, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.PruneOldContext(ctx, userID, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	export, err := s.ExportUserContext(ctx, userID)
	require.NoError(t, err)
	require.Len(t, export.Entries, 1)
	assert.Equal(t, "twenty nine days ago", export.Entries[0].Content)

	_, err = s.PruneOldContext(ctx, userID, -1)
	assert.Error(t, err)
}

func TestClearUserContext(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemoryStore()
	s := NewStore(NewHashEmbedder(0), kv, nil)
	userID, other := uuid.New(), uuid.New()
	ctx := context.Background()
	_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, "mine", nil, nil)
	require.NoError(t, err)
	_, err = s.StoreContext(ctx, other, models.ContextKindPreference, "theirs", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.ClearUserContext(ctx, userID))

	export, err := s.ExportUserContext(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, export.Entries)
	assert.Equal(t, 1, kv.Len())

	failing := &mockKV{
		GetFunc:    func(context.Context, string) ([]byte, error) { return nil, storage.ErrNotFound },
		SetFunc:    func(context.Context, string, []byte) error { return nil },
		RemoveFunc: func(context.Context, string) error { return errors.New("permission denied") },
	}
	assert.Error(t, NewStore(NewHashEmbedder(0), failing, nil).ClearUserContext(ctx, userID))
}

func TestReplaceInsightsAndProfile(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: baseTime}
	s := NewStore(NewHashEmbedder(0), storage.NewMemoryStore(), nil, WithClock(clock.Now))
	userID := uuid.New()
	ctx := context.Background()

	_, err := s.StoreContext(ctx, userID, models.ContextKindPreference, "likes singles", nil, nil)
	require.NoError(t, err)
	_, err = s.StoreContext(ctx, userID, models.ContextKindConversation, "how do I serve", nil, nil)
	require.NoError(t, err)

	first := []models.UserInsight{
		{UserID: userID, InsightType: models.InsightInactivity, Description: "Inactive for 9 days", Confidence: 1, Actionable: true, Recommendation: "Book a session"},
		{UserID: userID, InsightType: models.InsightPrimaryActivity, Description: "Mostly matches", Confidence: 0.6},
	}
	require.NoError(t, s.ReplaceInsights(ctx, userID, first))

	second := []models.UserInsight{
		{UserID: userID, InsightType: models.InsightHighEngagement, Description: "Very engaged", Confidence: 0.8, Actionable: true},
	}
	require.NoError(t, s.ReplaceInsights(ctx, userID, second))

	profile, err := s.UserProfile(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, profile.Preferences, 1)
	assert.Len(t, profile.ConversationHistory, 1)
	require.Len(t, profile.Insights, 1)
	insight, ok := profile.Insights[models.InsightHighEngagement]
	require.True(t, ok)
	assert.Equal(t, "Very engaged", insight.Content)
	assert.NotEmpty(t, insight.Embedding)

	require.NoError(t, s.ReplaceInsights(ctx, userID, nil))
	profile, err = s.UserProfile(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, profile.Insights)
	assert.Len(t, profile.Preferences, 1)
}
