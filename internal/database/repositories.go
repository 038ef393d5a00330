package database

import (
	"context"

	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/storage"
	"github.com/google/uuid"
)

// UserRepositoryInterface is what the auth middleware needs to resolve bearer identities
type UserRepositoryInterface interface {
	Upsert(ctx context.Context, claims *models.JWTClaims) (*models.User, error)
}

// UserListerInterface enumerates users for scheduled maintenance
type UserListerInterface interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// GatewayLimitsRepositoryInterface is the read/write surface used by the limits reloaders
// and the configure CLI
type GatewayLimitsRepositoryInterface interface {
	Get(ctx context.Context) (*models.GatewayLimits, error)
	Set(ctx context.Context, c *models.GatewayLimits) error
}

// OIDCConfigRepositoryInterface resolves the identity provider used for token verification
type OIDCConfigRepositoryInterface interface {
	GetByProvider(ctx context.Context, provider string) (*models.OIDCConfig, error)
}

// Ensure concrete types implement the interfaces
var (
	_ UserRepositoryInterface          = (*UserRepository)(nil)
	_ UserListerInterface              = (*UserRepository)(nil)
	_ GatewayLimitsRepositoryInterface = (*GatewayLimitsRepository)(nil)
	_ OIDCConfigRepositoryInterface    = (*OIDCConfigRepository)(nil)
	_ storage.Store                    = (*KVStore)(nil)
)
