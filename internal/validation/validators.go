package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/benvon/picklepal/internal/models"
	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	if err := Validate.RegisterValidation("activity_type", validateActivityType); err != nil {
		panic(fmt.Sprintf("failed to register activity_type validator: %v", err))
	}
	if err := Validate.RegisterValidation("context_kind", validateContextKind); err != nil {
		panic(fmt.Sprintf("failed to register context_kind validator: %v", err))
	}
}

func validateActivityType(fl validator.FieldLevel) bool {
	return models.ActivityType(fl.Field().String()).Valid()
}

func validateContextKind(fl validator.FieldLevel) bool {
	return models.ContextKind(fl.Field().String()).Valid()
}

// SanitizeText sanitizes text input by trimming whitespace and removing control characters
func SanitizeText(text string) string {
	text = strings.TrimSpace(text)

	// Remove control characters except newline and tab
	var sanitized strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sanitized.WriteRune(r)
	}

	return sanitized.String()
}

// ValidateActivityType validates an ActivityType string value
func ValidateActivityType(value string) error {
	if models.ActivityType(value).Valid() {
		return nil
	}
	names := make([]string, 0, len(models.ActivityTypes))
	for _, t := range models.ActivityTypes {
		names = append(names, string(t))
	}
	return fmt.Errorf("invalid activity type: %s (must be one of %s)", value, strings.Join(names, ", "))
}

// FieldErrors flattens validator errors into "field: failed tag" messages
func FieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return out
}
