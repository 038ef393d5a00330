package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello\tthere\nfriend", SanitizeText("  hello\tthere\x00\nfriend\x07 "))
}

func TestValidateActivityType(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateActivityType("match"))
	err := ValidateActivityType("bowling")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session")
}

func TestStructTags(t *testing.T) {
	t.Parallel()
	type payload struct {
		Type string `validate:"required,activity_type"`
		Kind string `validate:"omitempty,context_kind"`
	}
	assert.NoError(t, Validate.Struct(payload{Type: "gameplay", Kind: "preference"}))

	err := Validate.Struct(payload{Type: "bowling", Kind: "secret"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"type: failed activity_type", "kind: failed context_kind"}, FieldErrors(err))
}
