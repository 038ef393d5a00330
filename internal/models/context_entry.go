package models

import (
	"time"

	"github.com/google/uuid"
)

// ContextKind classifies a remembered piece of text
type ContextKind string

const (
	// ContextKindConversation is a single chat turn
	ContextKindConversation ContextKind = "conversation"
	// ContextKindPreference is an explicit user preference
	ContextKindPreference ContextKind = "preference"
	// ContextKindActivity is a note about something the user did
	ContextKindActivity ContextKind = "activity"
	// ContextKindInsight is a derived behavioral insight
	ContextKindInsight ContextKind = "insight"
)

// Valid reports whether k is one of the known context kinds
func (k ContextKind) Valid() bool {
	switch k {
	case ContextKindConversation, ContextKindPreference, ContextKindActivity, ContextKindInsight:
		return true
	default:
		return false
	}
}

// ContextEntry is one unit of remembered text with its embedding.
// Entries are immutable once stored; only Relevance is recomputed at retrieval time.
type ContextEntry struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Kind      ContextKind    `json:"kind"`
	Content   string         `json:"content"`
	Embedding []float64      `json:"embedding"`
	Timestamp time.Time      `json:"timestamp"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Relevance float64        `json:"relevance,omitempty"`
}

// HasTag reports whether the entry carries tag
func (e *ContextEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// UserProfile is a derived view over a user's memory. It is rebuilt on demand and never stored.
type UserProfile struct {
	UserID              uuid.UUID               `json:"user_id"`
	Preferences         []ContextEntry          `json:"preferences"`
	Activities          []ContextEntry          `json:"activities"`
	ConversationHistory []ContextEntry          `json:"conversation_history"`
	Insights            map[string]ContextEntry `json:"insights"`
}
