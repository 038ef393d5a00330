package models

import (
	"time"

	"github.com/google/uuid"
)

// OIDCConfig represents the identity provider used to verify bearer tokens
type OIDCConfig struct {
	ID        uuid.UUID `json:"id"`
	Provider  string    `json:"provider"`
	Issuer    string    `json:"issuer"`
	ClientID  string    `json:"client_id"`
	JWKSUrl   *string   `json:"jwks_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
