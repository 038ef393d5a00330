// Package ai orchestrates the chat assistant: moderation, memory, the upstream model and
// outbound redaction.
package ai

import (
	"context"
	"fmt"
	"sort"
)

// Chat roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage represents a message in a chat conversation
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// ModelClient sends a conversation to the upstream language model
type ModelClient interface {
	// SendToModel returns the model's reply to messages under systemPrompt
	SendToModel(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error)
}

// ProviderFactory creates a model client from its settings
type ProviderFactory func(settings map[string]string) (ModelClient, error)

// ProviderRegistry stores available model providers
type ProviderRegistry struct {
	providers map[string]ProviderFactory
}

// NewProviderRegistry creates a new provider registry
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]ProviderFactory),
	}
}

// Register registers a provider factory
func (r *ProviderRegistry) Register(name string, factory ProviderFactory) {
	r.providers[name] = factory
}

// GetProvider builds the named provider
func (r *ProviderRegistry) GetProvider(name string, settings map[string]string) (ModelClient, error) {
	factory, ok := r.providers[name]
	if !ok {
		return nil, &ErrProviderNotFound{Name: name}
	}
	client, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", name, err)
	}
	return client, nil
}

// Names lists registered providers
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrProviderNotFound is returned when a provider is not found
type ErrProviderNotFound struct {
	Name string
}

func (e *ErrProviderNotFound) Error() string {
	return "AI provider not found: " + e.Name
}
