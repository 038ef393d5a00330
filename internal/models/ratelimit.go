package models

import (
	"time"

	"github.com/google/uuid"
)

// RateLimitState tracks a user's request counters and violation cooldown
type RateLimitState struct {
	UserID             uuid.UUID  `json:"user_id"`
	RequestsThisWindow int        `json:"requests_this_window"`
	WindowStart        time.Time  `json:"window_start"`
	RequestsToday      int        `json:"requests_today"`
	DayStart           time.Time  `json:"day_start"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	LastViolation      *time.Time `json:"last_violation,omitempty"`
	LastSeen           time.Time  `json:"last_seen"`
}

// GatewayLimits holds the moderation gateway quotas and the edge limiter rate (e.g. "5-S", "100-M").
type GatewayLimits struct {
	ConfigKey       string    `json:"config_key"`
	PerMinute       int       `json:"per_minute"`
	PerDay          int       `json:"per_day"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	EdgeRate        string    `json:"edge_rate"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
