package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"
)

const (
	// DefaultOpenAIModel is the default model to use
	DefaultOpenAIModel = "gpt-4o-mini"
	// DefaultOpenAIBaseURL is the default OpenAI API base URL
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	// DefaultTimeout is the default timeout for API calls
	DefaultTimeout = 30 * time.Second
)

// errNoChoices is returned when the API response has no choices
var errNoChoices = errors.New("no choices in response")

// OpenAIModelClient implements ModelClient using OpenAI's chat completions API
type OpenAIModelClient struct {
	client    openai.Client
	model     string
	logger    *zap.Logger
	debugMode bool
}

var _ ModelClient = (*OpenAIModelClient)(nil)

// NewOpenAIModelClient creates a client. Empty baseURL and model select the defaults.
func NewOpenAIModelClient(apiKey, baseURL, model string, logger *zap.Logger, debugMode bool) *OpenAIModelClient {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: DefaultTimeout}),
		// retries are owned by the caller
		option.WithMaxRetries(0),
	)

	return &OpenAIModelClient{
		client:    client,
		model:     model,
		logger:    logger,
		debugMode: debugMode,
	}
}

// SendToModel sends the conversation and returns the first choice's content
func (p *OpenAIModelClient) SendToModel(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error) {
	requestID := ExtractRequestID(ctx)
	userIDStr := ExtractUserID(ctx)

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		params = append(params, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			params = append(params, openai.SystemMessage(msg.Content))
		default:
			params = append(params, openai.UserMessage(msg.Content))
		}
	}

	if p.logger != nil && p.debugMode {
		previews := make([]string, 0, len(messages))
		for _, msg := range messages {
			previews = append(previews, SanitizePrompt(msg.Content, false))
		}
		p.logger.Debug("llm_api_request",
			zap.String("operation", "chat"),
			zap.String("model", p.model),
			zap.Int("message_count", len(params)),
			zap.Strings("message_previews", previews),
			zap.String("user_id", userIDStr),
			zap.String("request_id", requestID),
		)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: params,
	})
	latency := time.Since(start)

	if err != nil {
		if p.logger != nil && p.debugMode {
			p.logger.Debug("llm_api_error",
				zap.String("operation", "chat"),
				zap.String("model", p.model),
				zap.Error(err),
				zap.String("user_id", userIDStr),
				zap.String("request_id", requestID),
				zap.Int64("latency_ms", latency.Milliseconds()),
			)
		}
		return "", fmt.Errorf("failed to chat: %w", ClassifyError(err))
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %w", ErrUpstream, errNoChoices)
	}
	content := resp.Choices[0].Message.Content

	if p.logger != nil && p.debugMode {
		p.logger.Debug("llm_api_response",
			zap.String("operation", "chat"),
			zap.String("model", p.model),
			zap.Int("response_length", len(content)),
			zap.String("response_preview", SanitizeResponse(content, true)),
			zap.String("user_id", userIDStr),
			zap.String("request_id", requestID),
			zap.Int64("latency_ms", latency.Milliseconds()),
		)
	}

	return content, nil
}

// RegisterOpenAI registers the OpenAI provider. Settings: api_key, base_url, model.
func RegisterOpenAI(registry *ProviderRegistry, logger *zap.Logger, debugMode bool) {
	registry.Register("openai", func(settings map[string]string) (ModelClient, error) {
		if settings["api_key"] == "" {
			return nil, fmt.Errorf("%w: api_key is required", ErrValidation)
		}
		return NewOpenAIModelClient(settings["api_key"], settings["base_url"], settings["model"], logger, debugMode), nil
	})
}
