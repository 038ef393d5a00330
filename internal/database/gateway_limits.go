package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/models"
)

const defaultGatewayLimitsKey = "default"

// GatewayLimitsRepository stores the moderation quotas and the edge limiter rate
type GatewayLimitsRepository struct {
	db *DB
}

// NewGatewayLimitsRepository creates a new gateway limits repository
func NewGatewayLimitsRepository(db *DB) *GatewayLimitsRepository {
	return &GatewayLimitsRepository{db: db}
}

// Get retrieves the default limits. Returns nil, nil when no row exists so callers
// fall back to environment defaults.
func (r *GatewayLimitsRepository) Get(ctx context.Context) (*models.GatewayLimits, error) {
	c := &models.GatewayLimits{}
	err := r.db.QueryRowContext(ctx, `
		SELECT config_key, per_minute, per_day, cooldown_seconds, edge_rate, created_at, updated_at
		FROM gateway_limits WHERE config_key = $1
	`, defaultGatewayLimitsKey).Scan(
		&c.ConfigKey, &c.PerMinute, &c.PerDay, &c.CooldownSeconds, &c.EdgeRate, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gateway limits: %w", err)
	}
	return c, nil
}

// Set upserts the default limits. EdgeRate uses the limiter format, e.g. "5-S", "100-M".
func (r *GatewayLimitsRepository) Set(ctx context.Context, c *models.GatewayLimits) error {
	if err := ValidateGatewayLimits(c); err != nil {
		return err
	}
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_limits (config_key, per_minute, per_day, cooldown_seconds, edge_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (config_key) DO UPDATE SET
			per_minute = EXCLUDED.per_minute,
			per_day = EXCLUDED.per_day,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			edge_rate = EXCLUDED.edge_rate,
			updated_at = EXCLUDED.updated_at
	`, defaultGatewayLimitsKey, c.PerMinute, c.PerDay, c.CooldownSeconds, strings.TrimSpace(c.EdgeRate), now, now)
	if err != nil {
		return fmt.Errorf("set gateway limits: %w", err)
	}
	return nil
}

// ValidateGatewayLimits rejects non-positive quotas and an empty edge rate
func ValidateGatewayLimits(c *models.GatewayLimits) error {
	if c == nil {
		return fmt.Errorf("gateway limits cannot be nil")
	}
	if c.PerMinute <= 0 || c.PerDay <= 0 {
		return fmt.Errorf("per-minute and per-day limits must be positive")
	}
	if c.PerDay < c.PerMinute {
		return fmt.Errorf("per-day limit %d is below per-minute limit %d", c.PerDay, c.PerMinute)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if strings.TrimSpace(c.EdgeRate) == "" {
		return fmt.Errorf("edge rate cannot be empty")
	}
	return nil
}
