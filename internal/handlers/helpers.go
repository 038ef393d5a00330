package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/benvon/picklepal/internal/middleware"
	"github.com/benvon/picklepal/internal/models"
)

// maxDetailLength bounds error details returned to clients
const maxDetailLength = 200

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sanitizeErrorMessage bounds a client-facing message
func sanitizeErrorMessage(message string) string {
	if len(message) > maxDetailLength {
		return message[:maxDetailLength] + "..."
	}
	return message
}

// respondJSONError sends an {error, details} response
func respondJSONError(w http.ResponseWriter, status int, errorType, details string) {
	middleware.RespondError(w, status, errorType, sanitizeErrorMessage(details))
}

// requireUser returns the authenticated user or writes a 401
func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user := middleware.UserFromContext(r)
	if user == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "User not found in context")
		return nil, false
	}
	return user, true
}

// decodeJSON decodes a single JSON object from the request body
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return errors.New("request body must be a valid JSON object")
	}
	return nil
}
