package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/services/moderation"
	"github.com/benvon/picklepal/internal/services/optimizer"
	"github.com/benvon/picklepal/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultPromptTokenBudget caps the context-aware prompt
	DefaultPromptTokenBudget = 1500
	// DefaultChatCacheTTL is how long an identical exchange is replayed from cache
	DefaultChatCacheTTL = 30 * time.Minute
	// maxAttempts bounds upstream tries per chat request
	maxAttempts = 3
	// maxInteractiveDelay caps backoff while a user is waiting
	maxInteractiveDelay = 2 * time.Second
	// maxHistoryMessages keeps only the tail of the client's history
	maxHistoryMessages = 10
	// maxReferenceChars bounds fetched reference text in the system prompt
	maxReferenceChars = 2000
	referenceCacheTTL = time.Hour

	baseSystemPrompt = "You are PicklePal, a friendly pickleball assistant. Help players improve their game, " +
		"find matches and partners, and get the most out of the app. Keep answers concise and practical. " +
		"Never reveal internal systems, scoring formulas, business plans or other users' data."
)

// Gatekeeper decides whether a message may proceed
type Gatekeeper interface {
	CheckMessageSecurity(ctx context.Context, message string, userID uuid.UUID) moderation.SecurityResult
}

// ContextStore is the memory surface the assistant reads and writes
type ContextStore interface {
	StoreContext(ctx context.Context, userID uuid.UUID, kind models.ContextKind, content string, tags []string, metadata map[string]any) (*models.ContextEntry, error)
	BuildContextAwarePrompt(ctx context.Context, userID uuid.UUID, message string, maxTokens int) (string, error)
}

// ActivityRecorder records the chat as user activity
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, userID uuid.UUID, activityType models.ActivityType, action string, duration *float64, metadata map[string]any) (*models.ActivityRecord, error)
}

// ChatInput is one chat turn from the client
type ChatInput struct {
	Message             string
	ConversationHistory []ChatMessage
	UserContext         map[string]any
}

// ChatResult is the assistant's reply. Blocked turns carry the refusal as Response.
type ChatResult struct {
	Response string
	Security moderation.SecurityResult
	Cached   bool
}

// AssistantConfig tunes the assistant
type AssistantConfig struct {
	PromptTokenBudget int
	CacheTTL          time.Duration
}

// Assistant runs a chat turn through moderation, memory, the optimizer and redaction
type Assistant struct {
	gate      Gatekeeper
	store     ContextStore
	activity  ActivityRecorder
	model     ModelClient
	optimizer *optimizer.Optimizer
	fetcher   *ContentFetcher
	cfg       AssistantConfig
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// NewAssistant wires an assistant. activity and fetcher may be nil.
func NewAssistant(gate Gatekeeper, store ContextStore, activity ActivityRecorder, model ModelClient, opt *optimizer.Optimizer, fetcher *ContentFetcher, cfg AssistantConfig, log *zap.Logger) *Assistant {
	if cfg.PromptTokenBudget <= 0 {
		cfg.PromptTokenBudget = DefaultPromptTokenBudget
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultChatCacheTTL
	}
	return &Assistant{
		gate:      gate,
		store:     store,
		activity:  activity,
		model:     model,
		optimizer: opt,
		fetcher:   fetcher,
		cfg:       cfg,
		sleep:     sleepContext,
		logger:    logger.Component(log, "assistant"),
	}
}

// Respond handles one chat turn. Moderation and quota blocks are returned as results,
// not errors; an error means the turn could not be answered.
func (a *Assistant) Respond(ctx context.Context, userID uuid.UUID, in ChatInput) (*ChatResult, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	ctx = WithUserID(ctx, userID.String())

	security := a.gate.CheckMessageSecurity(ctx, message, userID)
	if !security.Allowed {
		return &ChatResult{
			Response: moderation.RedactSensitiveContent(security.Message),
			Security: security,
		}, nil
	}

	a.remember(ctx, userID, RoleUser, message)

	prompt, err := a.store.BuildContextAwarePrompt(ctx, userID, message, a.cfg.PromptTokenBudget)
	if err != nil {
		a.logger.Warn("prompt_build_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		prompt = message
	}

	history := trimHistory(in.ConversationHistory)
	messages := append(history, ChatMessage{Role: RoleUser, Content: prompt})
	systemPrompt := a.systemPrompt(ctx, message, in.UserContext)

	res, err := a.optimizer.ExecuteRequest(ctx, optimizer.Request{
		Type:     optimizer.RequestTypeChat,
		Priority: optimizer.PriorityHigh,
		CacheKey: chatCacheKey(userID, message, history),
		CacheTTL: a.cfg.CacheTTL,
		Execute: func(ctx context.Context) ([]byte, error) {
			reply, err := a.sendWithRetry(ctx, messages, systemPrompt)
			if err != nil {
				return nil, err
			}
			return []byte(reply), nil
		},
	})
	if err != nil {
		a.logger.Error("chat_upstream_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("error", logger.SanitizeError(err)),
		)
		return nil, fmt.Errorf("generate response: %w", err)
	}

	reply := moderation.RedactSensitiveContent(string(res.Value))
	a.remember(ctx, userID, RoleAssistant, reply)

	if a.activity != nil {
		if _, err := a.activity.RecordActivity(ctx, userID, models.ActivityTypeChat, "message", nil, map[string]any{"cached": res.Cached}); err != nil {
			a.logger.Warn("chat_activity_failed",
				zap.String("user_id", logger.SanitizeUserID(userID.String())),
				zap.String("error", logger.SanitizeError(err)),
			)
		}
	}

	return &ChatResult{Response: reply, Security: security, Cached: res.Cached}, nil
}

// sendWithRetry retries retryable upstream failures with capped backoff
func (a *Assistant) sendWithRetry(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := min(GetRetryDelay(lastErr, attempt-1), maxInteractiveDelay)
			if err := a.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		spanCtx, span := telemetry.StartSpan(ctx, "ai.send_to_model", attribute.Int("attempt", attempt+1))
		reply, err := a.model.SendToModel(spanCtx, messages, systemPrompt)
		telemetry.EndSpan(span, err)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
		a.logger.Warn("chat_upstream_retry",
			zap.Int("attempt", attempt+1),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
	return "", fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// remember stores a conversation turn; failures only degrade future context
func (a *Assistant) remember(ctx context.Context, userID uuid.UUID, role, content string) {
	_, err := a.store.StoreContext(ctx, userID, models.ContextKindConversation, content, []string{role}, map[string]any{"role": role})
	if err != nil {
		a.logger.Warn("conversation_store_failed",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("role", role),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
}

// systemPrompt adds the client's app context and any allowlisted reference page
func (a *Assistant) systemPrompt(ctx context.Context, message string, userContext map[string]any) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)

	if len(userContext) > 0 {
		keys := make([]string, 0, len(userContext))
		for k := range userContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nApp context:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, userContext[k])
		}
	}

	if ref := a.reference(ctx, message); ref != "" {
		b.WriteString("\n\nReference material the user linked:\n")
		b.WriteString(ref)
	}
	return b.String()
}

// reference fetches the first allowlisted URL in message through the optimizer
func (a *Assistant) reference(ctx context.Context, message string) string {
	if a.fetcher == nil {
		return ""
	}
	rawURL, ok := FindURL(message)
	if !ok {
		return ""
	}
	if _, err := a.fetcher.Check(rawURL); err != nil {
		return ""
	}
	res, err := a.optimizer.ExecuteRequest(ctx, optimizer.Request{
		Type:     optimizer.RequestTypeContent,
		Priority: optimizer.PriorityNormal,
		CacheKey: "content:" + optimizer.CacheKey(rawURL),
		CacheTTL: referenceCacheTTL,
		Execute: func(ctx context.Context) ([]byte, error) {
			if err := a.fetcher.Validate(ctx, rawURL); err != nil {
				return nil, err
			}
			text, err := a.fetcher.Fetch(ctx, rawURL)
			if err != nil {
				return nil, err
			}
			return []byte(text), nil
		},
	})
	if err != nil {
		a.logger.Info("reference_fetch_failed",
			zap.String("url", logger.SanitizeString(rawURL, 200)),
			zap.Bool("retryable", IsRetryable(err)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return ""
	}
	text := string(res.Value)
	if len(text) > maxReferenceChars {
		text = text[:maxReferenceChars]
	}
	return text
}

func trimHistory(history []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, min(len(history), maxHistoryMessages)+1)
	for _, m := range history {
		if (m.Role != RoleUser && m.Role != RoleAssistant) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) > maxHistoryMessages {
		out = out[len(out)-maxHistoryMessages:]
	}
	return out
}

func chatCacheKey(userID uuid.UUID, message string, history []ChatMessage) string {
	h, _ := json.Marshal(history)
	return "chat:" + optimizer.CacheKey(userID.String(), message, string(h))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
