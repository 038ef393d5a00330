// Package memory is the per-user semantic context store: typed entries with embeddings,
// nearest-neighbor retrieval and token-budgeted prompt assembly.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PromptCandidateLimit is how many entries BuildContextAwarePrompt considers
	PromptCandidateLimit = 10
	// DefaultRetrieveLimit applies when RetrieveRelevantContext gets a non-positive limit
	DefaultRetrieveLimit = 10

	keyPrefix = "context:"
)

var (
	// ErrInvalidKind is returned for an unknown context kind
	ErrInvalidKind = errors.New("invalid context kind")
	// ErrEmptyContent is returned when there is nothing to remember
	ErrEmptyContent = errors.New("context content cannot be empty")
)

// EstimateTokens is the approximate token count used for prompt budgeting: one token per
// four bytes of text. It is not a tokenizer.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Filter narrows retrieval. Zero values mean "no constraint"; Tags match when an entry
// carries any of them.
type Filter struct {
	Kinds []models.ContextKind
	Tags  []string
	From  time.Time
	To    time.Time
}

func (f *Filter) matches(e *models.ContextEntry) bool {
	if f == nil {
		return true
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, t := range f.Tags {
			if e.HasTag(t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// ScoredEntry pairs an entry with its similarity to a query
type ScoredEntry struct {
	Entry models.ContextEntry `json:"entry"`
	Score float64             `json:"score"`
}

// UserContextExport is the full portable copy of a user's memory
type UserContextExport struct {
	UserID     uuid.UUID             `json:"user_id"`
	ExportedAt time.Time             `json:"exported_at"`
	Entries    []models.ContextEntry `json:"entries"`
	Profile    *models.UserProfile   `json:"profile"`
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds every user's context log. Each user's log is guarded by its own mutex so
// appends for one user keep submission order while different users proceed in parallel.
// The durable Store is read on each operation; the in-process copy serves when the
// durable read fails and while a write to it is still outstanding.
type Store struct {
	embedder Embedder
	kv       storage.Store
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[uuid.UUID]*userLog
}

type userLog struct {
	mu      sync.Mutex
	entries []models.ContextEntry
	// dirty is set while entries hold changes the durable store has not accepted
	dirty bool
}

// NewStore creates a context store
func NewStore(embedder Embedder, kv storage.Store, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		embedder: embedder,
		kv:       kv,
		logger:   logger.Component(log, "memory"),
		now:      time.Now,
		users:    make(map[uuid.UUID]*userLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storageKey(userID uuid.UUID) string {
	return keyPrefix + userID.String()
}

// acquire locks and refreshes the user's log. The caller must unlock ul.mu.
func (s *Store) acquire(ctx context.Context, userID uuid.UUID) *userLog {
	s.mu.Lock()
	ul, ok := s.users[userID]
	if !ok {
		ul = &userLog{}
		s.users[userID] = ul
	}
	s.mu.Unlock()

	ul.mu.Lock()
	s.refresh(ctx, userID, ul)
	return ul
}

func (s *Store) refresh(ctx context.Context, userID uuid.UUID, ul *userLog) {
	if s.kv == nil {
		return
	}
	if ul.dirty {
		s.persist(ctx, userID, ul)
		return
	}
	data, err := s.kv.Get(ctx, storageKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		ul.entries = nil
		return
	}
	if err != nil {
		s.logger.Warn("context_load_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		return
	}
	var entries []models.ContextEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("context_decode_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		return
	}
	ul.entries = entries
}

// persist writes the user's log. On failure the log stays dirty and the write is retried
// on the next access instead of being replaced by the stale durable copy.
func (s *Store) persist(ctx context.Context, userID uuid.UUID, ul *userLog) {
	if s.kv == nil {
		return
	}
	entries := ul.entries
	var err error
	if len(entries) == 0 {
		err = s.kv.Remove(ctx, storageKey(userID))
	} else {
		var data []byte
		data, err = json.Marshal(entries)
		if err == nil {
			err = s.kv.Set(ctx, storageKey(userID), data)
		}
	}
	if err != nil {
		s.logger.Warn("context_persist_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.Int("entry_count", len(entries)),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
	ul.dirty = err != nil
}

// embed never fails: an embedding error yields the zero vector of the embedder's
// dimension, which scores 0 against every query.
func (s *Store) embed(ctx context.Context, text string) []float64 {
	vec, err := s.embedder.Embed(ctx, text)
	if err == nil && len(vec) > 0 {
		return vec
	}
	if err == nil {
		err = fmt.Errorf("embedder returned an empty vector")
	}
	s.logger.Warn("embedding_failed_using_fallback",
		zap.Int("dimension", s.embedder.Dimension()),
		zap.String("error", logger.SanitizeError(err)),
	)
	return make([]float64, s.embedder.Dimension())
}

// StoreContext embeds content and appends a new entry to the user's log
func (s *Store) StoreContext(ctx context.Context, userID uuid.UUID, kind models.ContextKind, content string, tags []string, metadata map[string]any) (*models.ContextEntry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	ul := s.acquire(ctx, userID)
	defer ul.mu.Unlock()

	entry := models.ContextEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Content:   content,
		Embedding: s.embed(ctx, content),
		Timestamp: s.now(),
		Tags:      dedupe(tags),
		Metadata:  metadata,
	}
	ul.entries = append(ul.entries, entry)
	s.persist(ctx, userID, ul)

	s.logger.Debug("context_stored",
		zap.String("user_id", logger.SanitizeUserID(userID.String())),
		zap.String("kind", string(kind)),
		zap.Int("entry_count", len(ul.entries)),
	)
	return &entry, nil
}

// RetrieveRelevantContext scores the user's entries against query and returns the top
// limit by descending similarity. Equal scores put the newer entry first.
func (s *Store) RetrieveRelevantContext(ctx context.Context, userID uuid.UUID, query string, limit int, filter *Filter) ([]ScoredEntry, error) {
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	queryVec := s.embed(ctx, query)

	entries := s.snapshot(ctx, userID)
	scored := make([]ScoredEntry, 0, len(entries))
	order := make([]int, 0, len(entries))
	for i := range entries {
		if len(entries[i].Embedding) == 0 || !filter.matches(&entries[i]) {
			continue
		}
		e := entries[i]
		e.Relevance = CosineSimilarity(queryVec, e.Embedding)
		scored = append(scored, ScoredEntry{Entry: e, Score: e.Relevance})
		order = append(order, i)
	}

	idx := make([]int, len(scored))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := scored[idx[a]], scored[idx[b]]
		if ea.Score != eb.Score {
			return ea.Score > eb.Score
		}
		if !ea.Entry.Timestamp.Equal(eb.Entry.Timestamp) {
			return ea.Entry.Timestamp.After(eb.Entry.Timestamp)
		}
		return order[idx[a]] > order[idx[b]]
	})

	if limit > len(idx) {
		limit = len(idx)
	}
	out := make([]ScoredEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = scored[idx[i]]
	}
	return out, nil
}

// BuildContextAwarePrompt assembles remembered context ahead of message without letting
// the estimated token count exceed maxTokens. The message is always included and counted
// first; entries are added in relevance order until the next one would not fit.
func (s *Store) BuildContextAwarePrompt(ctx context.Context, userID uuid.UUID, message string, maxTokens int) (string, error) {
	candidates, err := s.RetrieveRelevantContext(ctx, userID, message, PromptCandidateLimit, nil)
	if err != nil {
		return "", err
	}

	used := EstimateTokens(message)
	var included []models.ContextEntry
	for _, c := range candidates {
		cost := EstimateTokens(c.Entry.Content)
		if used+cost > maxTokens {
			break
		}
		used += cost
		included = append(included, c.Entry)
	}

	if len(included) == 0 {
		return message, nil
	}

	var b strings.Builder
	b.WriteString("Relevant context about this user:\n")
	for _, e := range included {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Kind, e.Content)
	}
	b.WriteString("\nUser message: ")
	b.WriteString(message)

	s.logger.Debug("prompt_built",
		zap.String("user_id", logger.SanitizeUserID(userID.String())),
		zap.Int("included_entries", len(included)),
		zap.Int("estimated_tokens", used),
		zap.Int("max_tokens", maxTokens),
	)
	return b.String(), nil
}

// PruneOldContext removes entries timestamped before now minus daysOld days and returns
// how many were removed. Running it twice removes nothing the second time.
func (s *Store) PruneOldContext(ctx context.Context, userID uuid.UUID, daysOld int) (int, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("days must be non-negative, got %d", daysOld)
	}
	ul := s.acquire(ctx, userID)
	defer ul.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(daysOld) * 24 * time.Hour)
	kept := ul.entries[:0:0]
	for _, e := range ul.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(ul.entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	ul.entries = kept
	s.persist(ctx, userID, ul)

	s.logger.Info("context_pruned",
		zap.String("user_id", logger.SanitizeUserID(userID.String())),
		zap.Int("removed", removed),
		zap.Int("days_old", daysOld),
	)
	return removed, nil
}

// ExportUserContext returns a full copy of the user's memory and derived profile
func (s *Store) ExportUserContext(ctx context.Context, userID uuid.UUID) (*UserContextExport, error) {
	entries := s.snapshot(ctx, userID)
	return &UserContextExport{
		UserID:     userID,
		ExportedAt: s.now(),
		Entries:    entries,
		Profile:    buildProfile(userID, entries),
	}, nil
}

// ClearUserContext deletes every entry for the user. Unlike other writes, a durable
// removal failure is returned because erasure must not silently fail.
func (s *Store) ClearUserContext(ctx context.Context, userID uuid.UUID) error {
	ul := s.acquire(ctx, userID)
	defer ul.mu.Unlock()

	ul.entries = nil
	if s.kv != nil {
		if err := s.kv.Remove(ctx, storageKey(userID)); err != nil {
			ul.dirty = true
			return fmt.Errorf("failed to clear context: %w", err)
		}
	}
	ul.dirty = false
	s.logger.Info("context_cleared", zap.String("user_id", logger.SanitizeUserID(userID.String())))
	return nil
}

// UserProfile builds the derived profile view
func (s *Store) UserProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	return buildProfile(userID, s.snapshot(ctx, userID)), nil
}

// ReplaceInsights discards the user's insight entries and stores insights in their place
func (s *Store) ReplaceInsights(ctx context.Context, userID uuid.UUID, insights []models.UserInsight) error {
	texts := make([]string, len(insights))
	for i, in := range insights {
		texts[i] = insightContent(in)
	}
	vectors := s.embedAll(ctx, texts)

	ul := s.acquire(ctx, userID)
	defer ul.mu.Unlock()

	kept := ul.entries[:0:0]
	for _, e := range ul.entries {
		if e.Kind != models.ContextKindInsight {
			kept = append(kept, e)
		}
	}
	now := s.now()
	for i, in := range insights {
		ts := in.Timestamp
		if ts.IsZero() {
			ts = now
		}
		meta := map[string]any{
			"insight_type": in.InsightType,
			"confidence":   in.Confidence,
			"actionable":   in.Actionable,
		}
		if in.Recommendation != "" {
			meta["recommendation"] = in.Recommendation
		}
		kept = append(kept, models.ContextEntry{
			ID:        uuid.New(),
			UserID:    userID,
			Kind:      models.ContextKindInsight,
			Content:   texts[i],
			Embedding: vectors[i],
			Timestamp: ts,
			Tags:      []string{"insight", in.InsightType},
			Metadata:  meta,
		})
	}
	ul.entries = kept
	s.persist(ctx, userID, ul)

	s.logger.Debug("insights_replaced",
		zap.String("user_id", logger.SanitizeUserID(userID.String())),
		zap.Int("insight_count", len(insights)),
	)
	return nil
}

func (s *Store) embedAll(ctx context.Context, texts []string) [][]float64 {
	if be, ok := s.embedder.(BatchEmbedder); ok && len(texts) > 0 {
		vecs, err := be.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs
		}
		if err != nil {
			s.logger.Warn("batch_embedding_failed", zap.String("error", logger.SanitizeError(err)))
		}
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = s.embed(ctx, t)
	}
	return out
}

func (s *Store) snapshot(ctx context.Context, userID uuid.UUID) []models.ContextEntry {
	ul := s.acquire(ctx, userID)
	defer ul.mu.Unlock()
	out := make([]models.ContextEntry, len(ul.entries))
	copy(out, ul.entries)
	return out
}

func insightContent(in models.UserInsight) string {
	if in.Recommendation == "" {
		return in.Description
	}
	return in.Description + " Recommendation: " + in.Recommendation
}

func buildProfile(userID uuid.UUID, entries []models.ContextEntry) *models.UserProfile {
	p := &models.UserProfile{
		UserID:   userID,
		Insights: make(map[string]models.ContextEntry),
	}
	for _, e := range entries {
		switch e.Kind {
		case models.ContextKindPreference:
			p.Preferences = append(p.Preferences, e)
		case models.ContextKindActivity:
			p.Activities = append(p.Activities, e)
		case models.ContextKindConversation:
			p.ConversationHistory = append(p.ConversationHistory, e)
		case models.ContextKindInsight:
			t, _ := e.Metadata["insight_type"].(string)
			if t == "" {
				t = "general"
			}
			if prev, ok := p.Insights[t]; !ok || !e.Timestamp.Before(prev.Timestamp) {
				p.Insights[t] = e
			}
		}
	}
	return p
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
