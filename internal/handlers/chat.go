package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	logpkg "github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/request"
	"github.com/benvon/picklepal/internal/services/ai"
	"github.com/benvon/picklepal/internal/services/moderation"
	"github.com/benvon/picklepal/internal/validation"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Responder answers one chat turn
type Responder interface {
	Respond(ctx context.Context, userID uuid.UUID, in ai.ChatInput) (*ai.ChatResult, error)
}

var _ Responder = (*ai.Assistant)(nil)

// ChatHandler handles chat requests
type ChatHandler struct {
	assistant Responder
	logger    *zap.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(assistant Responder, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{assistant: assistant, logger: logpkg.Component(logger, "chat_handler")}
}

// RegisterRoutes registers chat routes on the given router
// The router should already have the /api/v1/ai prefix
func (h *ChatHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/chat", h.Chat).Methods("POST")
}

// chatRequest is decoded field by field so the type of message can be checked
type chatRequest struct {
	Message             json.RawMessage `json:"message"`
	ConversationHistory []ai.ChatMessage `json:"conversationHistory" validate:"omitempty,max=50,dive"`
	UserContext         map[string]any   `json:"userContext"`
}

// ChatResponse is returned for every answered turn, including refusals
type ChatResponse struct {
	Response string                    `json:"response"`
	Security moderation.SecurityResult `json:"security"`
	Cached   bool                      `json:"cached,omitempty"`
}

// Chat runs one turn through the assistant. Moderation and quota refusals are 200s with
// security.blocked set.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	message, err := messageString(req.Message)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := validation.Validate.Struct(req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "invalid conversationHistory")
		return
	}

	ctx := ai.WithRequestID(r.Context(), request.RequestID(r))
	result, err := h.assistant.Respond(ctx, user.ID, ai.ChatInput{
		Message:             validation.SanitizeText(message),
		ConversationHistory: req.ConversationHistory,
		UserContext:         req.UserContext,
	})
	if errors.Is(err, ai.ErrValidation) {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "message is required")
		return
	}
	if err != nil {
		h.logger.Error("chat_failed",
			zap.String("user_id", logpkg.SanitizeUserID(user.ID.String())),
			zap.String("request_id", request.RequestID(r)),
			zap.String("error", logpkg.SanitizeError(err)),
		)
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to process chat message")
		return
	}

	respondJSON(w, http.StatusOK, ChatResponse{
		Response: result.Response,
		Security: result.Security,
		Cached:   result.Cached,
	})
}

// messageString requires raw to be a JSON string
func messageString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("message is required")
	}
	if raw[0] != '"' {
		return "", errors.New("message must be a string")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.New("message must be a string")
	}
	return s, nil
}
